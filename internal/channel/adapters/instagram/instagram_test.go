package instagram

import (
	"testing"

	"github.com/relaydesk/relay/internal/channel"
)

func TestAdapterContract(t *testing.T) {
	t.Parallel()

	a := New(nil)
	if a.Type() != channel.PlatformDirect {
		t.Fatalf("unexpected platform %s", a.Type())
	}
	if !channel.ReassignsIdentifiers(a) {
		t.Fatal("direct-message adapter must flag identifier reassignment")
	}
}

func TestParseEventsDelegatesToGraphFormat(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"object": "instagram",
		"entry": [{"messaging": [{
			"sender": {"id": "igsid-1"},
			"recipient": {"id": "acct-1"},
			"timestamp": 1700000000000,
			"message": {"mid": "m-1", "text": "Hi"}
		}]}]
	}`)

	events, err := New(nil).ParseEvents(body)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(events) != 1 || events[0].SenderID != "igsid-1" || events[0].Text != "Hi" {
		t.Fatalf("unexpected events %+v", events)
	}
}
