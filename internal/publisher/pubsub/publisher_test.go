package pubsub

import (
	"context"
	"testing"
)

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()
	p := New(nil)
	if _, err := p.Publish(context.Background(), "order.committed", map[string]string{"a": "b"}); err == nil {
		t.Fatal("expected error for unconfigured publisher")
	}
	p.Stop()
}
