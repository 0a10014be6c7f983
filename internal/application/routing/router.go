package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	domoutbox "github.com/Zhima-Mochi/macguffin-orders/internal/domain/outbox"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability/logctx"
)

const componentRouter = "event_router"

var ErrInvalidRule = errors.New("routing: invalid rule")

// Routed is the copy of an envelope delivered to the subscribers of one rule target.
type Routed struct {
	Rule     string
	Target   string
	Envelope change.Envelope
}

func (r Routed) EventName() string { return r.Target }

// Router evaluates every rule against each envelope and dispatches one copy per matching rule.
// Rules are independent; unmatched envelopes are dropped.
type Router struct {
	rules      []Rule
	dispatcher domoutbox.Dispatcher
	log       observability.Logger
	routed    observability.Counter
}

func NewRouter(rules []Rule, dispatcher domoutbox.Dispatcher, tel observability.Observability) (*Router, error) {
	tel = observability.Or(tel)
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.Name == "" || r.Target == "" {
			return nil, fmt.Errorf("%w: name and target are required", ErrInvalidRule)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return &Router{
		rules:      append([]Rule(nil), rules...),
		dispatcher: dispatcher,
		log:        tel.Logger().With(observability.F("component", componentRouter)),
		routed:     tel.Metrics().Counter(observability.MRoutedEvents),
	}, nil
}

func (r *Router) Rules() []Rule { return append([]Rule(nil), r.rules...) }

// Route returns the names of the matched rules once every target subscriber has settled. Dispatch and
// delivery failures are joined and returned so the feed redelivers; subscribers tolerate the resulting
// duplicates.
func (r *Router) Route(ctx context.Context, env change.Envelope) ([]string, error) {
	logger := logctx.FromOr(ctx, r.log).With(observability.F("event_id", env.ID))
	doc := Document(env)

	type pending struct {
		rule     string
		delivery domoutbox.Delivery
	}
	var matched []string
	var inflight []pending
	var errs []error
	for _, rule := range r.rules {
		if !rule.matchDoc(env, doc) {
			continue
		}
		matched = append(matched, rule.Name)
		r.routed.Add(1, observability.L("rule", rule.Name))
		d, err := r.dispatcher.Dispatch(ctx, Routed{Rule: rule.Name, Target: rule.Target, Envelope: copyEnvelope(env)})
		if err != nil {
			errs = append(errs, fmt.Errorf("routing: dispatch %s: %w", rule.Name, err))
			continue
		}
		inflight = append(inflight, pending{rule: rule.Name, delivery: d})
	}
	for _, p := range inflight {
		if err := p.delivery.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("routing: deliver %s: %w", p.rule, err))
		}
	}

	if len(matched) == 0 {
		logger.Debug("event_unmatched",
			observability.F("pk", env.Detail.Data.PK),
			observability.F("event_type", string(env.Detail.Data.EventType)),
		)
	}
	return matched, errors.Join(errs...)
}

func copyEnvelope(env change.Envelope) change.Envelope {
	out := env
	out.Detail.Data.NewImage = env.Detail.Data.NewImage.Clone()
	out.Detail.Data.OldImage = env.Detail.Data.OldImage.Clone()
	if c := env.Detail.Data.Changes; c != nil {
		cp := *c
		cp.Columns = append([]string(nil), c.Columns...)
		out.Detail.Data.Changes = &cp
	}
	return out
}
