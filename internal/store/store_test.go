package store

import "testing"

func TestCanTransition_Forward(t *testing.T) {
	t.Parallel()

	forward := []struct{ from, to DeliveryState }{
		{StatePending, StateDelivered},
		{StatePending, StateAckClient},
		{StatePending, StateAckApp},
		{StateDelivered, StateAckClient},
		{StateDelivered, StateAckApp},
		{StateAckClient, StateAckApp},
	}
	for _, tc := range forward {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}
}

func TestCanTransition_BackwardRejected(t *testing.T) {
	t.Parallel()

	backward := []struct{ from, to DeliveryState }{
		{StateDelivered, StatePending},
		{StateAckClient, StateDelivered},
		{StateAckApp, StateAckClient},
		{StateAckApp, StatePending},
	}
	for _, tc := range backward {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestCanTransition_SameStateRejected(t *testing.T) {
	t.Parallel()

	for _, state := range []DeliveryState{StatePending, StateDelivered, StateAckClient, StateAckApp} {
		if CanTransition(state, state) {
			t.Errorf("CanTransition(%s, %s) = true, want false", state, state)
		}
	}
}

func TestCanTransition_ExpiredIsTerminal(t *testing.T) {
	t.Parallel()

	for _, to := range []DeliveryState{StatePending, StateDelivered, StateAckClient, StateAckApp} {
		if CanTransition(StateExpired, to) {
			t.Errorf("CanTransition(expired, %s) = true, want false", to)
		}
	}
}

func TestCanTransition_UnknownState(t *testing.T) {
	t.Parallel()

	if CanTransition("bogus", StateDelivered) {
		t.Error("CanTransition(bogus, delivered) = true, want false")
	}
	if CanTransition(StatePending, "bogus") {
		t.Error("CanTransition(pending, bogus) = true, want false")
	}
}

func TestAckLevelState(t *testing.T) {
	t.Parallel()

	if got, ok := AckClient.State(); !ok || got != StateAckClient {
		t.Errorf("AckClient.State() = %v, %v, want ack_client, true", got, ok)
	}
	if got, ok := AckApp.State(); !ok || got != StateAckApp {
		t.Errorf("AckApp.State() = %v, %v, want ack_app, true", got, ok)
	}
	if _, ok := AckLevel("nope").State(); ok {
		t.Error("AckLevel(nope).State() ok = true, want false")
	}
}
