package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strconv"
	"strings"
	"time"

	"ltv-alert/internal/core"
	"ltv-alert/internal/ltv"
	"ltv-alert/internal/message"
)

const helpText = "<b>LTV alert bot</b>\n\n" +
	"/add &lt;address&gt; [threshold] - watch an address, alert when LTV reaches threshold (default %s%%)\n" +
	"/remove &lt;address&gt; - stop watching an address\n" +
	"/list - your watched addresses with current LTV\n" +
	"/ltv &lt;address&gt; - current LTV of any address\n" +
	"/operators - list operators\n" +
	"/addop &lt;username&gt; - add an operator\n" +
	"/rmop &lt;username&gt; - remove an operator and their subscriptions\n" +
	"/deladdr &lt;address&gt; - stop watching an address for everyone\n" +
	"/help - this message"

const (
	replyDenied      = "⛔ Not allowed."
	replyRateLimited = "⏳ Too many requests, try again in a moment."
	replyFailed      = "⚠️ Something went wrong, please try again later."
)

// Replier sends a chat reply
type Replier interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Router maps chat commands onto the Service and replies in the chat
type Router struct {
	svc     *Service
	replier Replier
	timeout time.Duration
}

// NewRouter creates a router. timeout bounds the handling of one command.
func NewRouter(svc *Service, replier Replier, timeout time.Duration) *Router {
	return &Router{svc: svc, replier: replier, timeout: timeout}
}

// HandleUpdate runs the command carried by u, if any, and sends the reply
func (r *Router) HandleUpdate(ctx context.Context, u message.Update) {
	m := u.Message
	if m == nil || !strings.HasPrefix(m.Text, "/") {
		return
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	caller := Caller{ID: strconv.FormatInt(m.Chat.ID, 10)}
	if m.From != nil {
		caller.Label = m.From.Username
	}

	reply := r.Dispatch(ctx, caller, m.Text)
	if reply == "" {
		return
	}
	if err := r.replier.SendMessage(ctx, caller.ID, reply); err != nil {
		log.Printf("❌ Failed to reply to %s: %v", caller.ID, err)
	}
}

// Dispatch runs one command line and returns the reply text
func (r *Router) Dispatch(ctx context.Context, caller Caller, text string) string {
	cmd, args := parseCommand(text)

	switch cmd {
	case "start", "help":
		return fmt.Sprintf(helpText, message.FormatPercent(r.svc.cfg.DefaultThreshold))
	case "add":
		return r.add(ctx, caller, args)
	case "remove":
		return r.remove(ctx, caller, args)
	case "list":
		return r.list(ctx, caller)
	case "ltv":
		return r.ltv(ctx, caller, args)
	case "operators":
		return r.operators(ctx, caller)
	case "addop":
		return r.addOperator(ctx, caller, args)
	case "rmop":
		return r.removeOperator(ctx, caller, args)
	case "deladdr":
		return r.deleteAddress(ctx, caller, args)
	default:
		return ""
	}
}

// parseCommand splits "/cmd@botname a b" into "cmd" and ["a", "b"]
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:]
}

func (r *Router) add(ctx context.Context, caller Caller, args []string) string {
	if len(args) == 0 || len(args) > 2 {
		return "Usage: /add &lt;address&gt; [threshold]"
	}
	var threshold *float64
	if len(args) == 2 {
		th, err := core.ParseThreshold(args[1])
		if err != nil {
			return rejection(err)
		}
		threshold = th
	}

	reply, err := r.svc.Subscribe(ctx, caller, args[0], threshold)
	if err != nil {
		log.Printf("❌ /add failed for %s: %v", caller.ID, err)
		return replyFailed
	}

	addr := code(args[0])
	switch reply.Outcome {
	case OutcomeSubscribed:
		return fmt.Sprintf("✅ Subscribed to:\n%s\nAlert at LTV %s", addr, thresholdText(threshold, r.svc.cfg.DefaultThreshold))
	case OutcomeUpdated:
		return fmt.Sprintf("✏️ Threshold updated for:\n%s\nAlert at LTV %s", addr, thresholdText(threshold, r.svc.cfg.DefaultThreshold))
	case OutcomeUnchanged:
		return fmt.Sprintf("Already subscribed to:\n%s", addr)
	default:
		return denial(reply)
	}
}

func (r *Router) remove(ctx context.Context, caller Caller, args []string) string {
	if len(args) != 1 {
		return "Usage: /remove &lt;address&gt;"
	}
	reply, err := r.svc.Unsubscribe(ctx, caller, args[0])
	if err != nil {
		log.Printf("❌ /remove failed for %s: %v", caller.ID, err)
		return replyFailed
	}
	switch reply.Outcome {
	case OutcomeRemoved:
		return fmt.Sprintf("Unsubscribed from:\n%s", code(args[0]))
	case OutcomeNotFound:
		return fmt.Sprintf("Not subscribed to:\n%s", code(args[0]))
	default:
		return denial(reply)
	}
}

func (r *Router) list(ctx context.Context, caller Caller) string {
	reply, entries, err := r.svc.List(ctx, caller)
	if err != nil {
		log.Printf("❌ /list failed for %s: %v", caller.ID, err)
		return replyFailed
	}
	if reply.Outcome != OutcomeOK {
		return denial(reply)
	}
	if len(entries) == 0 {
		return "Not subscribed to any address."
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\n", code(e.AccountAddress))
		threshold := message.FormatPercent(e.Threshold) + "%"
		if !e.OwnThreshold {
			threshold += " (default)"
		}
		fmt.Fprintf(&b, "  LTV: %s, alert at %s\n", readingText(e.Reading, e.Err), threshold)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) ltv(ctx context.Context, caller Caller, args []string) string {
	if len(args) != 1 {
		return "Usage: /ltv &lt;address&gt;"
	}
	reply, reading, err := r.svc.QueryLTV(ctx, caller, args[0])
	if err != nil {
		log.Printf("⚠️  /ltv failed for %s: %v", args[0], err)
		return fmt.Sprintf("%s\nLTV: %s", code(args[0]), readingText(reading, err))
	}
	if reply.Outcome != OutcomeOK {
		return denial(reply)
	}
	return fmt.Sprintf("%s\nLTV: %s", code(args[0]), readingText(reading, nil))
}

func (r *Router) operators(ctx context.Context, caller Caller) string {
	reply, labels := r.svc.ListOperators(ctx, caller)
	if reply.Outcome != OutcomeOK {
		return denial(reply)
	}
	if len(labels) == 0 {
		return "No operators."
	}
	lines := make([]string, len(labels))
	for i, l := range labels {
		lines[i] = "@" + html.EscapeString(l)
	}
	return "<b>Operators</b>\n" + strings.Join(lines, "\n")
}

func (r *Router) addOperator(ctx context.Context, caller Caller, args []string) string {
	if len(args) != 1 {
		return "Usage: /addop &lt;username&gt;"
	}
	reply, err := r.svc.AddOperator(ctx, caller, args[0])
	if err != nil {
		log.Printf("❌ /addop failed for %s: %v", caller.ID, err)
		return replyFailed
	}
	label := "@" + html.EscapeString(core.NormalizeLabel(args[0]))
	switch reply.Outcome {
	case OutcomeAdded:
		return fmt.Sprintf("✅ Operator %s added.", label)
	case OutcomeAlreadyExists:
		return fmt.Sprintf("%s is already an operator.", label)
	default:
		return denial(reply)
	}
}

func (r *Router) removeOperator(ctx context.Context, caller Caller, args []string) string {
	if len(args) != 1 {
		return "Usage: /rmop &lt;username&gt;"
	}
	reply, cascaded, err := r.svc.RemoveOperator(ctx, caller, args[0])
	if err != nil {
		log.Printf("❌ /rmop failed for %s: %v", caller.ID, err)
		return replyFailed
	}
	label := "@" + html.EscapeString(core.NormalizeLabel(args[0]))
	switch reply.Outcome {
	case OutcomeRemoved:
		return fmt.Sprintf("Operator %s removed, %d subscription(s) deleted.", label, len(cascaded))
	case OutcomeNotFound:
		return fmt.Sprintf("%s is not an operator.", label)
	case OutcomeForbidden:
		return fmt.Sprintf("%s is a root operator and cannot be removed.", label)
	default:
		return denial(reply)
	}
}

func (r *Router) deleteAddress(ctx context.Context, caller Caller, args []string) string {
	if len(args) != 1 {
		return "Usage: /deladdr &lt;address&gt;"
	}
	reply, n, err := r.svc.DeleteAddress(ctx, caller, args[0])
	if err != nil {
		log.Printf("❌ /deladdr failed for %s: %v", caller.ID, err)
		return replyFailed
	}
	switch reply.Outcome {
	case OutcomeRemoved:
		return fmt.Sprintf("Deleted %s and %d subscription(s).", code(args[0]), n)
	case OutcomeNotFound:
		return fmt.Sprintf("%s is not watched.", code(args[0]))
	default:
		return denial(reply)
	}
}

// denial renders non-success outcomes. Unauthorized and rate limited stay generic.
func denial(reply Reply) string {
	switch reply.Outcome {
	case OutcomeRejected:
		return rejection(reply.Reason)
	case OutcomeRateLimited:
		return replyRateLimited
	default:
		return replyDenied
	}
}

func rejection(reason error) string {
	switch {
	case errors.Is(reason, core.ErrInvalidAddress):
		return "❌ Invalid account address."
	case errors.Is(reason, core.ErrInvalidThreshold):
		return "❌ Threshold must be a number between 0 and 100."
	case reason != nil:
		return "❌ " + html.EscapeString(reason.Error())
	default:
		return replyDenied
	}
}

func readingText(reading core.LTVReading, err error) string {
	switch {
	case errors.Is(err, ltv.ErrSourceUnavailable):
		return "unavailable, try again later"
	case err != nil:
		return "unknown"
	case !reading.HasPosition:
		return "no open loan"
	default:
		return message.FormatPercent(reading.Percent) + "%"
	}
}

func thresholdText(threshold *float64, protocolDefault float64) string {
	if threshold == nil {
		return message.FormatPercent(protocolDefault) + "% (default)"
	}
	return message.FormatPercent(*threshold) + "%"
}

func code(s string) string {
	return "<code>" + html.EscapeString(s) + "</code>"
}
