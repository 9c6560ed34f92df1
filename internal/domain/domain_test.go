package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShipmentStatus_Lifecycle(t *testing.T) {
	next, ok := ShipmentPreparing.Next()
	require.True(t, ok)
	assert.Equal(t, ShipmentShipped, next)

	next, ok = ShipmentReceiving.Next()
	require.True(t, ok)
	assert.Equal(t, ShipmentReceived, next)

	_, ok = ShipmentReceived.Next()
	assert.False(t, ok)

	assert.True(t, ShipmentReceived.AtLeast(ShipmentShipped))
	assert.True(t, ShipmentShipped.AtLeast(ShipmentShipped))
	assert.False(t, ShipmentPreparing.AtLeast(ShipmentShipped))

	assert.True(t, ShipmentShipped.InTransit())
	assert.True(t, ShipmentReceiving.InTransit())
	assert.False(t, ShipmentReceived.InTransit())
}

func TestParseEnums(t *testing.T) {
	st, err := ParseShipmentStatus(" shipped ")
	require.NoError(t, err)
	assert.Equal(t, ShipmentShipped, st)

	c, err := ParseCondition("broken")
	require.NoError(t, err)
	assert.True(t, c.Damaged())
	assert.False(t, ConditionNoDamage.Damaged())

	_, err = ParseCondition("SQUASHED")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "condition", ve.Field)

	_, err = ParseSampleType("urine")
	assert.Error(t, err)
	_, err = ParseReceptionStatus("MOSTLY_OK")
	assert.Error(t, err)
}

func TestAliquotStatus_Transitions(t *testing.T) {
	assert.True(t, AliquotAvailable.CanTransitionTo(AliquotInTransit))
	assert.True(t, AliquotInTransit.CanTransitionTo(AliquotRejected))
	assert.False(t, AliquotUsed.CanTransitionTo(AliquotAvailable))
	assert.False(t, AliquotInTransit.CanTransitionTo(AliquotUsed))
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []error{
		NewValidationError("ref", "required"),
		&InvalidTransitionError{Entity: "shipment", ID: "s", From: "PREPARING", To: "RECEIVED"},
		&NotFoundError{Entity: "aliquot", ID: "A1"},
		&CommunicationError{Op: "create_task", Err: errors.New("timeout")},
		fmt.Errorf("patient 2: %w", &ApplicationError{Op: "create_task", Code: 422, Message: "closed"}),
	}
	for _, err := range recoverable {
		assert.True(t, IsRecoverable(err), err.Error())
	}

	assert.False(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(&StorageError{Message: "deadlock"}))
	assert.False(t, IsRecoverable(errors.New("boom")))
}

func TestResult_Finish(t *testing.T) {
	r := NewResult()
	assert.Equal(t, ResultIdle, r.Finish("nothing").Status)

	r = NewResult()
	r.Success("patient %s tracked", "P1")
	r.Skip("patient %s skipped", "P2")
	r.Finish("shipments")
	assert.Equal(t, ResultSuccess, r.Status)
	assert.Equal(t, []string{"patient P1 tracked", "patient P2 skipped"}, r.Details)

	r.Fail("patient %s failed", "P3")
	r.Finish("shipments")
	assert.Equal(t, ResultError, r.Status)
	assert.Contains(t, r.Message, "1 errors")

	aborted := Aborted(&StorageError{Message: "connection reset"})
	assert.Equal(t, ResultError, aborted.Status)
	assert.Empty(t, aborted.Details)
}
