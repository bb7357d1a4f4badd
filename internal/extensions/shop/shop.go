// Package shop is a small cheese shop. It shows the shape of an extension:
// namespaced commands in both execution modes, a deferred result, a scheduled
// task, a regex event subscription and state shared through the server store.
package shop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"steward/pkg/extension"
	"steward/pkg/state"

	"go.uber.org/zap"
)

// Permission guards shop.order
const Permission = "shop.order"

// Slot names in the server store
const (
	InventorySlot  = "shop.inventory"
	OrdersSlot     = "shop.orders"
	PopularitySlot = "shop.popularity"
)

// lockKey serialises every access to the shop's slots
const lockKey = "shop"

var (
	// ErrUnknownCheese is returned for cheeses the shop has never heard of
	ErrUnknownCheese = errors.New("unknown cheese")

	// ErrOutOfStock is returned when an order cannot be filled
	ErrOutOfStock = errors.New("out of stock")

	// ErrInvalidQuantity is returned for orders of zero or fewer
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Cheeses the shop stocks, Stilton notwithstanding
var Cheeses = []string{"brie", "cheddar", "gouda", "stilton"}

// Order is one filled order
type Order struct {
	Cheese   string    `json:"cheese"`
	Quantity int       `json:"quantity"`
	User     string    `json:"user"`
	At       time.Time `json:"at"`
}

// OrderArgs are the arguments of shop.order and shop.reserve
type OrderArgs struct {
	Cheese   string `json:"cheese"`
	Quantity int    `json:"quantity"`
}

// OrderEvent is published on order/<cheese>
type OrderEvent struct {
	Quantity  int    `json:"quantity"`
	User      string `json:"user"`
	Remaining int    `json:"remaining"`
}

type reservation struct {
	args  OrderArgs
	user  string
	cont  *extension.Continuation
	timer extension.Timer
}

// Shop holds the extension's state
type Shop struct {
	logger  *zap.Logger
	store   state.Store
	clock   extension.Clock
	restock int
	initial int
	wait    time.Duration

	inventory  state.Slot[map[string]int]
	orders     state.Slot[[]Order]
	popularity state.Slot[map[string]int]

	// pending reservations; guarded by the store lock
	pending []*reservation
	mu      sync.Locker
}

// New builds the shop's manifest. Settings: restock_amount (default 5),
// initial_stock (default 3), reserve_wait_seconds (default 10).
func New(ctx *extension.Context) (*extension.Manifest, error) {
	s, err := newShop(ctx)
	if err != nil {
		return nil, err
	}
	return s.Manifest(), nil
}

func newShop(ctx *extension.Context) (*Shop, error) {
	s := &Shop{
		logger:  ctx.Logger,
		store:   ctx.State,
		clock:   ctx.Clock,
		restock: ctx.Int("restock_amount", 5),
		initial: ctx.Int("initial_stock", 3),
		wait:    time.Duration(ctx.Int("reserve_wait_seconds", 10)) * time.Second,
	}
	if s.restock < 0 || s.initial < 0 {
		return nil, fmt.Errorf("shop: stock settings cannot be negative")
	}
	if s.store == nil {
		return nil, fmt.Errorf("shop: no state store")
	}
	if s.clock == nil {
		return nil, fmt.Errorf("shop: no clock")
	}
	s.mu = s.store.Lock(lockKey)
	return s, nil
}

// Manifest lists what the shop contributes
func (s *Shop) Manifest() *extension.Manifest {
	return &extension.Manifest{
		Commands: []extension.Command{
			{Name: "shop.stilton", Description: "Ask for Stilton", Handler: s.stilton},
			{Name: "shop.brie", Description: "How much Brie is left", Handler: s.brie},
			{Name: "shop.inventory", Description: "Current stock of every cheese", Handler: s.stock},
			{Name: "shop.order", Description: "Order some cheese", Handler: s.order, Mode: extension.Worker, Permission: Permission},
			{Name: "shop.reserve", Description: "Reserve cheese, waiting briefly for a restock if needed", Handler: s.reserve, Permission: Permission},
			{Name: "shop.popular", Description: "Cheeses by quantity ordered", Handler: s.popular},
		},
		Tasks: []extension.Task{
			{Name: "restock", Schedule: "*/10 * * * *", Handler: s.Restock},
		},
		Subscriptions: []extension.Subscription{
			{Pattern: `order/(.*)`, Regexp: true, Handler: s.countOrder},
		},
		OnStart: s.start,
	}
}

func (s *Shop) start(ctx context.Context, store state.Store) error {
	inv := make(map[string]int, len(Cheeses))
	for _, c := range Cheeses {
		if c == "stilton" {
			inv[c] = 0
			continue
		}
		inv[c] = s.initial
	}

	var err error
	if s.inventory, err = state.Register(store, "shop", InventorySlot, inv); err != nil {
		return err
	}
	if s.orders, err = state.Register(store, "shop", OrdersSlot, []Order{}); err != nil {
		return err
	}
	if s.popularity, err = state.Register(store, "shop", PopularitySlot, map[string]int{}); err != nil {
		return err
	}

	s.logger.Info("Shop open", zap.Int("initial_stock", s.initial))
	return nil
}

func (s *Shop) stilton(ctx context.Context, call *extension.Call) (any, error) {
	return "Sorry, we're fresh out of Stilton.", nil
}

func (s *Shop) brie(ctx context.Context, call *extension.Call) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventory.Get()["brie"], nil
}

func (s *Shop) stock(ctx context.Context, call *extension.Call) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(Cheeses))
	for k, v := range s.inventory.Get() {
		out[k] = v
	}
	return out, nil
}

func parseOrder(call *extension.Call) (OrderArgs, error) {
	var args OrderArgs
	if err := call.Bind(&args); err != nil {
		return args, err
	}
	args.Cheese = strings.ToLower(strings.TrimSpace(args.Cheese))
	if args.Quantity == 0 {
		args.Quantity = 1
	}
	if args.Quantity < 0 {
		return args, ErrInvalidQuantity
	}
	if !known(args.Cheese) {
		return args, fmt.Errorf("%w: %q", ErrUnknownCheese, args.Cheese)
	}
	return args, nil
}

func known(cheese string) bool {
	for _, c := range Cheeses {
		if c == cheese {
			return true
		}
	}
	return false
}

// take removes stock and records the order. Caller holds s.mu.
func (s *Shop) take(args OrderArgs, user string) (Order, int, error) {
	inv := s.inventory.Get()
	if inv[args.Cheese] < args.Quantity {
		return Order{}, inv[args.Cheese], fmt.Errorf("%w: %d %s left", ErrOutOfStock, inv[args.Cheese], args.Cheese)
	}
	inv[args.Cheese] -= args.Quantity

	o := Order{Cheese: args.Cheese, Quantity: args.Quantity, User: user, At: s.clock.Now()}
	s.orders.Update(func(orders []Order) []Order { return append(orders, o) })
	return o, inv[args.Cheese], nil
}

func (s *Shop) order(ctx context.Context, call *extension.Call) (any, error) {
	args, err := parseOrder(call)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	o, remaining, err := s.take(args, call.Identity.User)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order filled",
		zap.String("cheese", o.Cheese),
		zap.Int("quantity", o.Quantity),
		zap.String("user", o.User))

	if err := extension.Publish(ctx, "order/"+o.Cheese, OrderEvent{
		Quantity:  o.Quantity,
		User:      o.User,
		Remaining: remaining,
	}); err != nil {
		s.logger.Warn("Failed to announce order", zap.Error(err))
	}
	return o, nil
}

// reserve fills the order now if it can. Otherwise it waits up to the
// configured time for a restock, without holding up the service loop.
func (s *Shop) reserve(ctx context.Context, call *extension.Call) (any, error) {
	args, err := parseOrder(call)
	if err != nil {
		return nil, err
	}

	cont := call.Defer()

	s.mu.Lock()
	defer s.mu.Unlock()

	if o, _, err := s.take(args, call.Identity.User); err == nil {
		_ = cont.Succeed(o)
		return nil, nil
	}
	if s.wait <= 0 {
		_ = cont.Fail(fmt.Errorf("%w: %s", ErrOutOfStock, args.Cheese))
		return nil, nil
	}

	r := &reservation{args: args, user: call.Identity.User, cont: cont}
	r.timer = s.clock.AfterFunc(s.wait, func() { s.expire(r) })
	s.pending = append(s.pending, r)

	s.logger.Debug("Reservation waiting for restock",
		zap.String("cheese", args.Cheese),
		zap.Int("quantity", args.Quantity))
	return nil, nil
}

func (s *Shop) expire(r *reservation) {
	s.mu.Lock()
	removed := s.removePending(r)
	s.mu.Unlock()

	if removed {
		_ = r.cont.Fail(fmt.Errorf("%w: no %s arrived within %s", ErrOutOfStock, r.args.Cheese, s.wait))
	}
}

// removePending reports whether r was still pending. Caller holds s.mu.
func (s *Shop) removePending(r *reservation) bool {
	for i, p := range s.pending {
		if p == r {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Restock tops up every cheese except Stilton and fills waiting reservations
// in the order they were made
func (s *Shop) Restock(ctx context.Context) error {
	type filled struct {
		r *reservation
		o Order
	}
	var done []filled

	s.mu.Lock()
	inv := s.inventory.Get()
	for c := range inv {
		if c != "stilton" {
			inv[c] += s.restock
		}
	}
	remaining := s.pending[:0]
	for _, r := range s.pending {
		o, _, err := s.take(r.args, r.user)
		if err != nil {
			remaining = append(remaining, r)
			continue
		}
		r.timer.Stop()
		done = append(done, filled{r, o})
	}
	s.pending = remaining
	s.mu.Unlock()

	for _, f := range done {
		_ = f.r.cont.Succeed(f.o)
	}

	s.logger.Info("Restocked", zap.Int("amount", s.restock), zap.Int("reservations_filled", len(done)))
	return extension.Publish(ctx, "shop/restocked", map[string]int{"amount": s.restock})
}

// countOrder tallies orders per cheese from order/<cheese> events
func (s *Shop) countOrder(ctx context.Context, ev extension.Event) error {
	if len(ev.Groups) != 1 || ev.Groups[0] == "" {
		return fmt.Errorf("order event %q has no cheese", ev.Tag)
	}

	var oe OrderEvent
	if err := ev.Decode(&oe); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.popularity.Get()[ev.Groups[0]] += oe.Quantity
	return nil
}

func (s *Shop) popular(ctx context.Context, call *extension.Call) (any, error) {
	return s.Popular(), nil
}

// Popular returns cheeses by quantity ordered, most popular first
func (s *Shop) Popular() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := s.popularity.Get()
	out := make([]string, 0, len(counts))
	for c := range counts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
