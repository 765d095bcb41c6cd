package loadbalancer

import "testing"

func TestGatewaySelector_EmptyAndSingle(t *testing.T) {
	if got := NewGatewaySelector(nil).Pick("ptt_r1_o1"); got != "" {
		t.Errorf("Expected empty pick with no gateways, got: %q", got)
	}

	only := NewGatewaySelector([]string{"http://gw1:8090"})
	if got := only.Pick("ptt_r1_o1"); got != "http://gw1:8090" {
		t.Errorf("Expected the single gateway, got: %q", got)
	}
}

func TestGatewaySelector_PickIsDeterministic(t *testing.T) {
	gateways := []string{"http://gw1:8090", "http://gw2:8090", "http://gw3:8090"}
	s := NewGatewaySelector(gateways)

	first := s.Pick("ptt_r1_o1")
	for i := 0; i < 20; i++ {
		if got := s.Pick("ptt_r1_o1"); got != first {
			t.Fatalf("Expected stable pick, got %q then %q", first, got)
		}
	}

	// A selector built from the same list picks the same gateway: every
	// participant of an office must land on one instance.
	other := NewGatewaySelector(gateways)
	if got := other.Pick("ptt_r1_o1"); got != first {
		t.Errorf("Expected identical pick across selectors, got %q vs %q", got, first)
	}
}

func TestGatewaySelector_RemovalOnlyMovesOwnedChannels(t *testing.T) {
	full := NewGatewaySelector([]string{"http://gw1:8090", "http://gw2:8090", "http://gw3:8090"})

	channels := []string{
		"ptt_r1_o1", "ptt_r1_o2", "ptt_r1_o3", "ptt_r2_o1",
		"ptt_r2_o2", "ptt_r3_o1", "ptt_r3_o2", "ptt_r4_o1",
	}

	before := make(map[string]string, len(channels))
	var removed string
	for _, ch := range channels {
		before[ch] = full.Pick(ch)
		if removed == "" {
			removed = before[ch]
		}
	}

	var remaining []string
	for _, gw := range full.Gateways() {
		if gw != removed {
			remaining = append(remaining, gw)
		}
	}
	reduced := NewGatewaySelector(remaining)

	for _, ch := range channels {
		after := reduced.Pick(ch)
		if before[ch] != removed && after != before[ch] {
			t.Errorf("channel %s moved from %s to %s although its gateway survived", ch, before[ch], after)
		}
		if before[ch] == removed && after == removed {
			t.Errorf("channel %s still mapped to the removed gateway", ch)
		}
	}
}
