package backup

import "testing"

func TestCanTransition(t *testing.T) {
	t.Run("allows every happy-path step", func(t *testing.T) {
		steps := []struct{ from, to Status }{
			{StatusPending, StatusRunning},
			{StatusRunning, StatusBackupReady},
			{StatusBackupReady, StatusStoringToDestinations},
			{StatusStoringToDestinations, StatusCompleted},
			{StatusStoringToDestinations, StatusPartiallyFailed},
		}
		for _, s := range steps {
			if !CanTransition(s.from, s.to) {
				t.Errorf("CanTransition(%s, %s) = false, want true", s.from, s.to)
			}
		}
	})

	t.Run("failed is reachable from every non-terminal status", func(t *testing.T) {
		for _, from := range []Status{StatusPending, StatusRunning, StatusBackupReady, StatusStoringToDestinations} {
			if !CanTransition(from, StatusFailed) {
				t.Errorf("CanTransition(%s, failed) = false, want true", from)
			}
		}
	})

	t.Run("rejects skipped steps", func(t *testing.T) {
		bad := []struct{ from, to Status }{
			{StatusPending, StatusBackupReady},
			{StatusPending, StatusCompleted},
			{StatusRunning, StatusStoringToDestinations},
			{StatusRunning, StatusCompleted},
			{StatusBackupReady, StatusCompleted},
			{StatusBackupReady, StatusRunning},
		}
		for _, s := range bad {
			if CanTransition(s.from, s.to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", s.from, s.to)
			}
		}
	})

	t.Run("terminal statuses have no exits", func(t *testing.T) {
		all := []Status{
			StatusPending, StatusRunning, StatusBackupReady,
			StatusStoringToDestinations, StatusCompleted,
			StatusPartiallyFailed, StatusFailed,
		}
		for _, from := range []Status{StatusCompleted, StatusPartiallyFailed, StatusFailed} {
			if !from.Terminal() {
				t.Errorf("%s.Terminal() = false, want true", from)
			}
			for _, to := range all {
				if CanTransition(from, to) {
					t.Errorf("CanTransition(%s, %s) = true, want false", from, to)
				}
			}
		}
	})

	t.Run("non-terminal statuses report Terminal false", func(t *testing.T) {
		for _, s := range []Status{StatusPending, StatusRunning, StatusBackupReady, StatusStoringToDestinations} {
			if s.Terminal() {
				t.Errorf("%s.Terminal() = true, want false", s)
			}
		}
	})
}
