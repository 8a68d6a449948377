package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"library/internal/circulation"
	"library/internal/config"
	"library/internal/directory"
	"library/internal/policy"
	"library/internal/queue"
	"library/internal/store"
)

// reminder is the payload published for loans coming due.
type reminder struct {
	LoanID  string    `json:"loan_id"`
	RollNo  string    `json:"roll_no"`
	BookRef string    `json:"book_ref"`
	DueDate time.Time `json:"due_date"`
}

// The sweeper owns the scheduled side of circulation: the daily overdue
// fine refresh and due-soon reminders. It also drains the event queue
// the API publishes to.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "library:events")
	}

	dir := directory.NewRepository(db.Client)
	ledger := circulation.NewRepository(db.Client)
	policies := policy.NewStore(db.Client)
	engine := circulation.NewService(ledger, dir, policies)

	go runSweeps(ctx, cfg.SweepInterval, engine, ledger, dir, policies, q)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("sweeper started, waiting for messages...")
	for msg := range messages {
		switch msg.Type {
		case queue.TypeLoanOpened:
			var loan circulation.Loan
			if err := json.Unmarshal(msg.Body, &loan); err != nil {
				log.Printf("bad %s payload: %v", msg.Type, err)
				continue
			}
			log.Printf("loan %s opened, due %s", loan.ID, loan.DueDate.Format(time.RFC3339))
		case queue.TypeLoanReturned:
			var receipt circulation.Receipt
			if err := json.Unmarshal(msg.Body, &receipt); err != nil {
				log.Printf("bad %s payload: %v", msg.Type, err)
				continue
			}
			log.Printf("loan %s settled: fine %d, collected %d, %d day(s) overdue",
				receipt.LoanID, receipt.FineImposed, receipt.FinePaid, receipt.DaysOverdue)
		case queue.TypeDueReminder:
			var rem reminder
			if err := json.Unmarshal(msg.Body, &rem); err != nil {
				log.Printf("bad %s payload: %v", msg.Type, err)
				continue
			}
			// Stand-in for the mail integration.
			log.Printf("REMINDER: %s must return %s by %s", rem.RollNo, rem.BookRef, rem.DueDate.Format("2006-01-02"))
		}
	}

	log.Println("sweeper stopped")
}

// runSweeps refreshes overdue fines and publishes due-soon reminders on
// a fixed interval, once immediately at startup.
func runSweeps(ctx context.Context, interval time.Duration, engine *circulation.Service,
	ledger *circulation.Repository, dir *directory.Repository, policies *policy.Store, q queue.Queue) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sweepOnce(ctx, engine, ledger, dir, policies, q)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func sweepOnce(ctx context.Context, engine *circulation.Service,
	ledger *circulation.Repository, dir *directory.Repository, policies *policy.Store, q queue.Queue) {
	now := time.Now().UTC()

	updated, err := engine.RefreshOverdueFines(ctx, now)
	if err != nil {
		log.Printf("overdue fine refresh failed: %v", err)
	} else {
		log.Printf("refreshed fines on %d overdue record(s)", updated)
	}

	cfg, err := policies.Get(ctx)
	if err != nil {
		log.Printf("load settings failed: %v", err)
		return
	}
	horizon := now.AddDate(0, 0, cfg.ReminderBeforeDays)
	dueSoon, err := ledger.DueSoonOpen(ctx, now, horizon)
	if err != nil {
		log.Printf("due-soon scan failed: %v", err)
		return
	}
	for _, loan := range dueSoon {
		student, err := dir.UserByID(ctx, loan.StudentID)
		if err != nil || student == nil {
			continue
		}
		book, err := dir.BookByID(ctx, loan.BookID)
		if err != nil || book == nil {
			continue
		}
		msg, err := queue.NewMessage(queue.TypeDueReminder, reminder{
			LoanID:  loan.ID,
			RollNo:  student.RollNo,
			BookRef: book.RefNo,
			DueDate: loan.DueDate,
		})
		if err != nil {
			continue
		}
		if err := q.Publish(ctx, msg); err != nil {
			log.Printf("reminder publish failed: %v", err)
		}
	}
	if len(dueSoon) > 0 {
		log.Printf("queued %d due-soon reminder(s)", len(dueSoon))
	}
}
