package services

import (
	"github.com/charmbracelet/log"

	"github.com/desertthunder/crate/internal/repositories"
)

// Services bundles the cleanup-side services over one [repositories.Store].
type Services struct {
	Tracker *ResolutionTracker
	Audit   *AuditLog
	Cleaner *Cleaner
}

// New wires a tracker, audit log and cleaner together. cache may be nil.
func New(store *repositories.Store, cache CacheInvalidator, logger *log.Logger) *Services {
	tracker := NewResolutionTracker(store, cache, logger)
	audit := NewAuditLog(store.Audit, logger)
	return &Services{
		Tracker: tracker,
		Audit:   audit,
		Cleaner: NewCleaner(store, tracker, audit, logger),
	}
}
