package bookings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	product "github.com/angelmondragon/bookings-backend/internal/products"
	"github.com/angelmondragon/bookings-backend/internal/scheduler"
	"github.com/angelmondragon/bookings-backend/pkg/db"
	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/logger"
	"github.com/angelmondragon/bookings-backend/pkg/metrics"
	"github.com/angelmondragon/bookings-backend/pkg/migrate"
	"github.com/angelmondragon/bookings-backend/pkg/outbox"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:bookings_%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migrate.AutoMigrateModels(conn))
	return conn
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "bookings-test", Output: io.Discard})
}

// fakeScheduler records scheduled tasks. onCancel runs before Cancel
// returns, which lets tests fire the expiry callback mid-confirm.
type fakeScheduler struct {
	mu          sync.Mutex
	tasks       map[scheduler.Handle]uuid.UUID
	runAt       map[scheduler.Handle]time.Time
	canceled    []scheduler.Handle
	scheduleErr error
	cancelErr   error
	onCancel    func(handle scheduler.Handle, payload uuid.UUID) bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		tasks: map[scheduler.Handle]uuid.UUID{},
		runAt: map[scheduler.Handle]time.Time{},
	}
}

func (f *fakeScheduler) Schedule(_ context.Context, runAt time.Time, payload uuid.UUID) (scheduler.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return "", f.scheduleErr
	}
	handle := scheduler.NewHandle()
	f.tasks[handle] = payload
	f.runAt[handle] = runAt
	return handle, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, handle scheduler.Handle) (bool, error) {
	f.mu.Lock()
	f.canceled = append(f.canceled, handle)
	payload, ok := f.tasks[handle]
	delete(f.tasks, handle)
	hook := f.onCancel
	cancelErr := f.cancelErr
	f.mu.Unlock()

	if hook != nil {
		return hook(handle, payload), cancelErr
	}
	if cancelErr != nil {
		return false, cancelErr
	}
	return ok, nil
}

func (f *fakeScheduler) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type testEnv struct {
	conn      *gorm.DB
	svc       Service
	repo      Repository
	sched     *fakeScheduler
	registry  *prometheus.Registry
	metrics   *metrics.BookingMetrics
	clock     time.Time
	inventory product.InventoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := openTestDB(t)
	env := &testEnv{
		conn:      conn,
		repo:      NewRepository(conn),
		sched:     newFakeScheduler(),
		registry:  prometheus.NewRegistry(),
		clock:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		inventory: product.NewInventoryStore(conn),
	}
	env.metrics = metrics.NewBookingMetrics(env.registry)
	env.svc = env.buildService(t, env.sched)
	return env
}

func (e *testEnv) buildService(t *testing.T, sched scheduler.Scheduler) Service {
	t.Helper()
	logg := testLogger()
	svc, err := NewService(ServiceParams{
		Logger:       logg,
		DB:           db.FromGorm(e.conn),
		Repo:         e.repo,
		Inventory:    e.inventory,
		Scheduler:    sched,
		Outbox:       outbox.NewService(outbox.NewRepository(e.conn), logg),
		Metrics:      e.metrics,
		ExpiryWindow: time.Minute,
	})
	require.NoError(t, err)
	svc.(*service).now = func() time.Time { return e.clock }
	return svc
}

func (e *testEnv) mustCreateProduct(t *testing.T, qty int) *models.Product {
	t.Helper()
	p := &models.Product{Name: "Seat", Quantity: qty}
	require.NoError(t, e.conn.Create(p).Error)
	return p
}

func (e *testEnv) quantity(t *testing.T, productID uuid.UUID) int {
	t.Helper()
	var p models.Product
	require.NoError(t, e.conn.First(&p, "id = ?", productID).Error)
	return p.Quantity
}

func (e *testEnv) booking(t *testing.T, id uuid.UUID) *models.Booking {
	t.Helper()
	b, err := e.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (e *testEnv) eventTypes(t *testing.T, bookingID uuid.UUID) []string {
	t.Helper()
	var types []string
	require.NoError(t, e.conn.Model(&models.OutboxEvent{}).
		Where("aggregate_id = ?", bookingID).
		Order("created_at ASC").
		Pluck("event_type", &types).Error)
	return types
}

func (e *testEnv) transitionCount(t *testing.T, op, outcome string) float64 {
	t.Helper()
	families, err := e.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "bookings_booking_transitions_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["operation"] == op && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func (e *testEnv) counterValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := e.registry.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

var errSchedulerDown = errors.New("scheduler unavailable")
