// Package scheduler runs named periodic jobs on a robfig/cron runner.
//
// Schedules are cron expressions, "@every" descriptors, Go durations or
// HH:MM intervals (see ParseSchedule). Each job runs with its own timeout
// and never overlaps with itself.
package scheduler
