package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, int64(5), cfg.FinePerDay)
	assert.Equal(t, 5, cfg.MaxBooksPerStudent)
	assert.Equal(t, 14, cfg.BorrowDaysLimit)
	assert.Equal(t, 2, cfg.ReminderBeforeDays)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults pass", func(*Settings) {}, false},
		{"zero fine allowed", func(s *Settings) { s.FinePerDay = 0 }, false},
		{"negative fine", func(s *Settings) { s.FinePerDay = -1 }, true},
		{"zero max loans", func(s *Settings) { s.MaxBooksPerStudent = 0 }, true},
		{"zero loan period", func(s *Settings) { s.BorrowDaysLimit = 0 }, true},
		{"negative reminder window", func(s *Settings) { s.ReminderBeforeDays = -1 }, true},
	}
	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
