package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cie-portal/reservation-engine/internal/adapter/storage"
	"github.com/cie-portal/reservation-engine/internal/clock"
	"github.com/cie-portal/reservation-engine/internal/core/domain"
	"github.com/cie-portal/reservation-engine/internal/core/service"
)

const (
	initialStock  = 20
	totalRequests = 50
	bookCopies    = 5
	bookRequests  = 15
)

func main() {
	ctx := context.Background()

	// MYSQL_DSN switches the run to a real MySQL; otherwise an in-memory SQLite is used.
	driver, dsn := storage.DriverSQLite, ":memory:"
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		driver, dsn = storage.DriverMySQL, v
	}

	db, err := storage.Open(ctx, driver, dsn, storage.PoolConfig{MaxOpenConns: 50})
	if err != nil {
		log.Fatalf("failed to connect %s: %v", driver, err)
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	store := storage.NewSQLAdapter(db, storage.WithLogger(quiet))

	run := uuid.NewString()[:8]
	component := domain.ResourceRef{Kind: domain.ResourceKindComponent, ID: "stress-widget-" + run}
	book := domain.ResourceRef{Kind: domain.ResourceKindLibrary, ID: "stress-book-" + run}
	coordinator := "stress-f-" + run
	if err := seed(ctx, store, run, coordinator, component, book); err != nil {
		log.Fatalf("failed to seed fixtures: %v", err)
	}

	svc := service.NewReservationService(store, store, clock.NewSystem(), service.WithLogger(quiet))

	// Spawn concurrent requests
	start := time.Now()
	compOK, compShort := hammer(totalRequests, func(i int) error {
		_, err := svc.CreateRequest(ctx, service.CreateInput{
			Requester: studentID(run, i),
			Resource:  component,
			Quantity:  1,
			Purpose:   "stress",
		})
		return err
	})
	bookOK, bookShort := hammer(bookRequests, func(i int) error {
		_, err := svc.CreateRequest(ctx, service.CreateInput{
			Requester:  studentID(run, i),
			Resource:   book,
			Quantity:   1,
			ApproverID: coordinator,
		})
		return err
	})
	elapsed := time.Since(start)

	compLevel, err := store.Stock(ctx, component)
	if err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}
	bookLevel, err := store.Stock(ctx, book)
	if err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}

	// Results
	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Driver:              %s\n", driver)
	fmt.Printf("Component Stock:     %d\n", initialStock)
	fmt.Printf("Component Requests:  %d\n", totalRequests)
	fmt.Printf("  Reserved:          %d\n", compOK)
	fmt.Printf("  Insufficient:      %d\n", compShort)
	fmt.Printf("Library Copies:      %d\n", bookCopies)
	fmt.Printf("Library Requests:    %d\n", bookRequests)
	fmt.Printf("  Reserved:          %d\n", bookOK)
	fmt.Printf("  Insufficient:      %d\n", bookShort)
	fmt.Printf("Duration:            %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	check(compOK == initialStock && compShort == totalRequests-initialStock,
		fmt.Sprintf("components: expected %d/%d, got %d/%d", initialStock, totalRequests-initialStock, compOK, compShort))
	check(bookOK == bookCopies && bookShort == bookRequests-bookCopies,
		fmt.Sprintf("library: expected %d/%d, got %d/%d", bookCopies, bookRequests-bookCopies, bookOK, bookShort))
	check(compLevel.Consistent() && compLevel.Available == 0,
		fmt.Sprintf("component ledger: %+v", compLevel))
	check(bookLevel.Consistent() && bookLevel.Available == 0,
		fmt.Sprintf("library ledger: %+v", bookLevel))
}

// hammer runs n concurrent calls and counts successes and stock shortages. Any other error is fatal.
func hammer(n int, call func(i int) error) (ok, short int) {
	var okCount, shortCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			err := call(i)
			switch {
			case err == nil:
				okCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				shortCount.Add(1)
			default:
				log.Fatalf("request %d failed: %v", i, err)
			}
		}(i)
	}

	wg.Wait()
	return int(okCount.Load()), int(shortCount.Load())
}

func seed(ctx context.Context, store *storage.SQLAdapter, run, coordinator string, component, book domain.ResourceRef) error {
	domainID := "stress-d-" + run
	if err := store.UpsertFaculty(ctx, coordinator, "stress-uf-"+run, "Coordinator"); err != nil {
		return err
	}
	if err := store.UpsertDomain(ctx, domain.Domain{ID: domainID, Name: "Stress " + run}); err != nil {
		return err
	}
	if err := store.AssignCoordinator(ctx, domain.CoordinatorAssignment{DomainID: domainID, FacultyID: coordinator}, time.Now()); err != nil {
		return err
	}
	if err := store.UpsertResource(ctx, domain.Resource{Ref: component, Name: "Widget", TotalQuantity: initialStock, DomainID: domainID}); err != nil {
		return err
	}
	if err := store.UpsertResource(ctx, domain.Resource{Ref: book, Name: "Book", TotalQuantity: bookCopies}); err != nil {
		return err
	}
	for i := 0; i < totalRequests; i++ {
		if err := store.UpsertStudent(ctx, studentID(run, i), fmt.Sprintf("stress-u-%s-%d", run, i), "Student"); err != nil {
			return err
		}
	}
	return nil
}

func studentID(run string, i int) string {
	return fmt.Sprintf("stress-s-%s-%d", run, i)
}

func check(ok bool, msg string) {
	if ok {
		fmt.Println("PASS: " + msg)
		return
	}
	fmt.Println("FAIL: " + msg)
}
