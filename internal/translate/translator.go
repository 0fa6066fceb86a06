package translate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/hub"
	"github.com/whiteboardmonk/agcluster-container-sub000/internal/sessions"
	"github.com/whiteboardmonk/agcluster-container-sub000/pkg/protocol"
)

// Translator drives one chat turn over a session's harness connection. It is
// stateless over its input; conversational state lives in the container.
type Translator struct {
	events      *hub.Hub
	turnTimeout time.Duration
}

// New creates a translator. turnTimeout bounds harness inactivity within a
// turn, not total turn duration.
func New(events *hub.Hub, turnTimeout time.Duration) *Translator {
	if turnTimeout <= 0 {
		turnTimeout = 300 * time.Second
	}
	return &Translator{events: events, turnTimeout: turnTimeout}
}

// ExtractUserText pulls the last user message out of the request. Prior
// turns are not re-sent; the harness keeps its own conversation state.
// An empty string is a valid prompt.
func ExtractUserText(msgs []ChatMessage) (string, error) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content.PlainText(), nil
		}
	}
	return "", errdefs.New(errdefs.KindMalformedRequest, "no user message in request")
}

// Result is the outcome of a completed turn.
type Result struct {
	Content string
	Usage   *protocol.Usage
	// Interrupted marks that the delta sink failed mid-stream (client
	// disconnect). The turn was still drained to completion.
	Interrupted bool
}

// DeltaFunc receives streamed text fragments in harness order. first is set
// on the initial fragment of the turn. A returned error stops further
// deliveries but not the drain.
type DeltaFunc func(first bool, text string) error

// Turn sends the user text and consumes events until end of turn.
//
// Text fragments go to onDelta (when non-nil) in the exact order the
// harness emitted them and are accumulated for the result. All events are
// published to the session's tool-event topic, with last-active refreshed
// first. Reads run on a detached context: a dead client stops delta writes
// but the harness turn is drained so the session stays clean.
func (t *Translator) Turn(ctx context.Context, sess *sessions.Session, text string, onDelta DeltaFunc) (*Result, error) {
	_, span := otel.Tracer("agcluster/translate").Start(ctx, "translate.Turn",
		trace.WithAttributes(attribute.String("session_id", sess.ID)))
	defer span.End()

	endTurn := sess.BeginTurn()
	defer endTurn()

	conn := sess.Conn()
	sess.Touch()
	if err := conn.Send(protocol.UserMessage(text)); err != nil {
		return nil, err
	}

	var content []byte
	first := true
	sinkDead := false

	for {
		recvCtx, cancel := context.WithTimeout(context.Background(), t.turnTimeout)
		ev, err := conn.Recv(recvCtx)
		if err != nil {
			timedOut := recvCtx.Err() == context.DeadlineExceeded
			cancel()
			if timedOut {
				return nil, errdefs.Wrap(errdefs.KindConnectionLost, err, "harness inactive")
			}
			return nil, err
		}
		cancel()

		sess.Touch()
		t.events.Publish(sess.ID, ev)

		switch ev.Kind {
		case protocol.EventContent:
			content = append(content, ev.Text...)
			if onDelta != nil && !sinkDead {
				if derr := onDelta(first, ev.Text); derr != nil {
					sinkDead = true
				}
			}
			first = false

		case protocol.EventMetadata:
			res := &Result{Content: string(content), Usage: ev.Usage, Interrupted: sinkDead}
			if ev.FinalContent != nil {
				res.Content = *ev.FinalContent
			}
			return res, nil

		case protocol.EventSystem:
			if ev.Status == protocol.SystemShutdown {
				return &Result{Content: string(content), Interrupted: sinkDead}, nil
			}

		default:
			// Thinking, tool and todo events (and unknown kinds) reach
			// subscribers via the hub only; the chat text path skips them.
		}
	}
}
