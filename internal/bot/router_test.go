package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ltv-alert/internal/ltv"
	"ltv-alert/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentReply struct {
	chatID, text string
}

type fakeReplier struct {
	mu   sync.Mutex
	sent []sentReply
}

func (r *fakeReplier) SendMessage(_ context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentReply{chatID, text})
	return nil
}

func (r *fakeReplier) all() []sentReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentReply(nil), r.sent...)
}

func TestParseCommand(t *testing.T) {
	cmd, args := parseCommand("/Add@ltv_bot  terra1abc   50% ")
	assert.Equal(t, "add", cmd)
	assert.Equal(t, []string{"terra1abc", "50%"}, args)

	cmd, args = parseCommand("/list")
	assert.Equal(t, "list", cmd)
	assert.Empty(t, args)
}

func TestRouter_Dispatch(t *testing.T) {
	e := newEnv(t, 0)
	r := NewRouter(e.svc, &fakeReplier{}, time.Second)
	ctx := context.Background()
	a := addr("h")
	e.source.values[a] = 52.5

	assert.Contains(t, r.Dispatch(ctx, eve, "/help"), "/add")
	assert.Contains(t, r.Dispatch(ctx, eve, "/start"), "default 45.00%")

	assert.Equal(t, replyDenied, r.Dispatch(ctx, eve, "/add "+a))
	assert.Equal(t, replyDenied, r.Dispatch(ctx, eve, "/addop mallory"))
	assert.Contains(t, r.Dispatch(ctx, eve, "/operators"), "@root")

	assert.Contains(t, r.Dispatch(ctx, root, "/add "+a), "Subscribed to")
	assert.Contains(t, r.Dispatch(ctx, root, "/add "+a), "Already subscribed")
	assert.Contains(t, r.Dispatch(ctx, root, "/add "+a+" 60%"), "Alert at LTV 60.00%")
	assert.Contains(t, r.Dispatch(ctx, root, "/add "+a+" 101"), "between 0 and 100")
	assert.Contains(t, r.Dispatch(ctx, root, "/add terra1bad"), "Invalid account address")
	assert.Contains(t, r.Dispatch(ctx, root, "/add"), "Usage")

	list := r.Dispatch(ctx, root, "/list")
	assert.Contains(t, list, a)
	assert.Contains(t, list, "LTV: 52.50%, alert at 60.00%")

	assert.Contains(t, r.Dispatch(ctx, root, "/ltv "+a), "LTV: 52.50%")

	assert.Contains(t, r.Dispatch(ctx, root, "/remove "+a), "Unsubscribed")
	assert.Contains(t, r.Dispatch(ctx, root, "/remove "+a), "Not subscribed")
	assert.Equal(t, "Not subscribed to any address.", r.Dispatch(ctx, root, "/list"))

	assert.Empty(t, r.Dispatch(ctx, root, "/unknown"))
}

func TestRouter_LTVUnavailable(t *testing.T) {
	e := newEnv(t, 0)
	r := NewRouter(e.svc, &fakeReplier{}, time.Second)
	a := addr("j")
	e.source.errs[a] = ltv.Unavailable(errors.New("lcd down"))

	assert.Contains(t, r.Dispatch(context.Background(), root, "/ltv "+a), "unavailable")
}

func TestRouter_OperatorCommands(t *testing.T) {
	e := newEnv(t, 0)
	r := NewRouter(e.svc, &fakeReplier{}, time.Second)
	ctx := context.Background()

	assert.Contains(t, r.Dispatch(ctx, root, "/addop @Bob"), "Operator @bob added")
	assert.Contains(t, r.Dispatch(ctx, root, "/addop bob"), "already an operator")
	assert.Contains(t, r.Dispatch(ctx, bob, "/operators"), "@bob\n@root")
	assert.Contains(t, r.Dispatch(ctx, bob, "/rmop root"), "root operator")
	assert.Contains(t, r.Dispatch(ctx, root, "/rmop bob"), "removed, 0 subscription(s) deleted")
	assert.Contains(t, r.Dispatch(ctx, root, "/rmop bob"), "not an operator")
	assert.Equal(t, replyDenied, r.Dispatch(ctx, bob, "/rmop root"))
}

func TestRouter_RateLimitedReply(t *testing.T) {
	e := newEnv(t, time.Hour)
	r := NewRouter(e.svc, &fakeReplier{}, time.Second)
	ctx := context.Background()

	r.Dispatch(ctx, root, "/list")
	assert.Equal(t, replyRateLimited, r.Dispatch(ctx, root, "/list"))
}

func TestRouter_HandleUpdate(t *testing.T) {
	e := newEnv(t, 0)
	rep := &fakeReplier{}
	r := NewRouter(e.svc, rep, time.Second)

	r.HandleUpdate(context.Background(), message.Update{
		UpdateID: 1,
		Message: &message.Message{
			From: &message.User{ID: 100, Username: "root"},
			Chat: message.Chat{ID: 100, Type: "private"},
			Text: "/list",
		},
	})
	r.HandleUpdate(context.Background(), message.Update{UpdateID: 2, Message: &message.Message{Text: "hello"}})
	r.HandleUpdate(context.Background(), message.Update{UpdateID: 3})

	sent := rep.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "100", sent[0].chatID)
	assert.Equal(t, "Not subscribed to any address.", sent[0].text)
}

// scriptedUpdates returns each batch once, then blocks until ctx is done
type scriptedUpdates struct {
	mu      sync.Mutex
	batches [][]message.Update
	offsets []int64
	failed  bool
}

func (s *scriptedUpdates) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]message.Update, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	if !s.failed {
		s.failed = true
		s.mu.Unlock()
		return nil, errors.New("bad gateway")
	}
	if len(s.batches) > 0 {
		b := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPoller_Run(t *testing.T) {
	e := newEnv(t, 0)
	rep := &fakeReplier{}
	r := NewRouter(e.svc, rep, time.Second)

	msg := func(id int64) message.Update {
		return message.Update{UpdateID: id, Message: &message.Message{
			From: &message.User{ID: 100, Username: "root"},
			Chat: message.Chat{ID: 100},
			Text: "/help",
		}}
	}
	src := &scriptedUpdates{batches: [][]message.Update{{msg(10), msg(11)}, {msg(12)}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewPoller(src, r, time.Second).Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(rep.all()) == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	src.mu.Lock()
	defer src.mu.Unlock()
	require.GreaterOrEqual(t, len(src.offsets), 3)
	assert.Equal(t, []int64{0, 0, 12}, src.offsets[:3])
}
