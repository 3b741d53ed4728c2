// Package scheduler arms task triggers and reports fires.
//
// The scheduler is trigger-only: it does not deliver anything. It is
// responsible for:
//   - turning Recurring triggers into cron entries and OneShot triggers into timers
//   - applying the misfire grace window to late fires
//   - calling the FireFunc registered for each armed id
package scheduler
