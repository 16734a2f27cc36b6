package events

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/confab/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventFromJson(t *testing.T) {
	meta := NewMetadata("conv-1", "msg-1").WithModel("m-7").WithRay("ray-2")
	in := []Event{
		NewStartEvent(meta),
		NewPartialCompletionEvent(meta, "Hel"),
		NewFinalEvent(meta, "Hello"),
		NewInterruptEvent(meta, "He"),
		NewBeamRayEvent(meta, "success", "Dear Sir,", ""),
		NewBeamClosedEvent(meta, "merged"),
	}
	for _, e := range in {
		b, err := json.Marshal(e)
		require.NoError(t, err)
		out, err := NewEventFromJson(b)
		require.NoError(t, err)
		assert.Equal(t, e.Type(), out.Type())
		assert.Equal(t, meta, out.Metadata())
		assert.Equal(t, b, out.Payload())
		assert.IsType(t, e, out)
	}

	ray, err := NewEventFromJson(mustJSON(t, NewBeamRayEvent(meta, "error", "", "boom")))
	require.NoError(t, err)
	assert.Equal(t, "boom", ray.(*EventBeamRay).Error)

	_, err = NewEventFromJson([]byte(`{"type":"nope","meta":{}}`))
	assert.Error(t, err)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPublishEventToContext(t *testing.T) {
	sink := &CollectingSink{}
	ctx := WithEventSinks(context.Background(), sink)
	PublishEventToContext(ctx, NewStartEvent(NewMetadata("c", "m")))
	PublishEventToContext(context.Background(), NewStartEvent(NewMetadata("c", "m")))
	assert.Equal(t, []EventType{EventTypeStart}, sink.Types())
}

func TestEventRouterDeliversThroughWatermill(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)
	defer func() { _ = router.Close() }()

	var mu sync.Mutex
	var got []Event
	var conversationIDs []string
	router.AddHandler("meta", "chat", func(msg *message.Message) error {
		mu.Lock()
		defer mu.Unlock()
		conversationIDs = append(conversationIDs, msg.Metadata.Get(helpers.ConversationIDMetadataKey))
		return nil
	})
	router.AddEventHandler("collect", "chat", func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()

	sink := router.Sink("chat")
	require.NoError(t, sink.PublishEvent(NewStartEvent(NewMetadata("conv-1", "msg-1"))))
	require.NoError(t, sink.PublishEvent(NewFinalEvent(NewMetadata("conv-1", "msg-1"), "done")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2 && len(conversationIDs) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventTypeStart, got[0].Type())
	assert.Equal(t, "done", got[1].(*EventFinal).Text)
	assert.Equal(t, []string{"conv-1", "conv-1"}, conversationIDs)
}

func TestPrinterFuncPrintsOnlyNewText(t *testing.T) {
	var buf bytes.Buffer
	printer := PrinterFunc(&buf)
	meta := NewMetadata("conv-1", "msg-1")

	for _, e := range []Event{
		NewStartEvent(meta),
		NewPartialCompletionEvent(meta, "He"),
		NewPartialCompletionEvent(meta, "Hello"),
		NewPartialCompletionEvent(meta, "Hello, wor"),
		NewFinalEvent(meta, "Hello, world"),
	} {
		require.NoError(t, printer(message.NewMessage("id", mustJSON(t, e))))
	}
	assert.Equal(t, "Hello, world\n", buf.String())

	buf.Reset()
	require.NoError(t, printer(message.NewMessage("id", mustJSON(t, NewErrorEvent(meta, "http", errors.New("429"))))))
	assert.Equal(t, "\n[error http] 429\n", buf.String())
}
