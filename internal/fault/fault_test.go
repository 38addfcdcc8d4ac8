package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certflow/internal/fault"
	"github.com/blockadesystems/certflow/internal/model"
)

func TestFaultKindsAreDisjoint(t *testing.T) {
	validation := fault.Validationf("bad input %d", 7)
	operation := fault.Operationf("not now")
	server := &fault.Server{Problem: &model.ProblemDetails{Type: "urn:x", Detail: "denied"}}
	transport := fault.Transportf("get order status", errors.New("connection refused"))

	assert.True(t, fault.IsValidation(validation))
	assert.False(t, fault.IsValidation(operation))

	assert.True(t, fault.IsOperation(operation))
	assert.False(t, fault.IsOperation(server))

	assert.True(t, fault.IsServer(server))
	assert.False(t, fault.IsServer(transport))

	assert.True(t, fault.IsTransport(transport))
	assert.False(t, fault.IsTransport(validation))
}

func TestErrorStrings(t *testing.T) {
	assert.Equal(t, "bad input 7", fault.Validationf("bad input %d", 7).Error())
	assert.Equal(t, "not now", fault.Operationf("not now").Error())
	assert.Equal(t, "get order status failed: connection refused",
		fault.Transportf("get order status", errors.New("connection refused")).Error())

	server := &fault.Server{Problem: &model.ProblemDetails{Type: "urn:x", Detail: "denied"}}
	assert.Equal(t, "denied", server.Error(), "the CA's detail is surfaced verbatim")

	typeOnly := &fault.Server{Problem: &model.ProblemDetails{Type: "urn:x"}}
	assert.Equal(t, "urn:x", typeOnly.Error())
}

func TestTransportUnwrapsToCause(t *testing.T) {
	server := &fault.Server{Problem: &model.ProblemDetails{Detail: "denied"}}
	wrapped := fault.Transportf("get order status", server)

	assert.True(t, fault.IsTransport(wrapped))
	assert.True(t, fault.IsServer(wrapped), "the server fault stays reachable through the wrap")
	require.NotNil(t, fault.AsServer(wrapped))
	assert.Equal(t, "denied", fault.AsServer(wrapped).Problem.Detail)
}

func TestFaultsSurviveFmtWrapping(t *testing.T) {
	inner := fault.Validationf("bad key")
	outer := fmt.Errorf("account registration failed: %w", inner)

	assert.True(t, fault.IsValidation(outer))
	assert.Equal(t, "account registration failed: bad key", outer.Error())
}
