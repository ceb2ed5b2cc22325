package handlers

import (
	"time"

	"webp-migrator/internal/commit"
	"webp-migrator/internal/database"
	"webp-migrator/internal/ledger"
	"webp-migrator/internal/queue"
	"webp-migrator/internal/scheduler"
	"webp-migrator/internal/state"
)

// Deps wires the operator API.
type Deps struct {
	DB        *database.Database
	Scheduler *scheduler.Scheduler
	Selector  *queue.Selector
	Commits   *commit.Manager
	Tracker   *state.Tracker
	Ledger    *ledger.ErrorLedger
	// TokenHash is the bcrypt hash of the API bearer token. Empty disables
	// authentication.
	TokenHash string
}

type Handlers struct {
	db        *database.Database
	scheduler *scheduler.Scheduler
	selector  *queue.Selector
	commits   *commit.Manager
	tracker   *state.Tracker
	ledger    *ledger.ErrorLedger
	tokenHash []byte
	startTime time.Time
}

func New(d Deps) *Handlers {
	h := &Handlers{
		db:        d.DB,
		scheduler: d.Scheduler,
		selector:  d.Selector,
		commits:   d.Commits,
		tracker:   d.Tracker,
		ledger:    d.Ledger,
		startTime: time.Now(),
	}
	if d.TokenHash != "" {
		h.tokenHash = []byte(d.TokenHash)
	}
	return h
}
