package rand

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewName(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+-\d{4}$`)
	seen := map[string]bool{}
	for range 50 {
		name := NewName()
		assert.Regexp(t, pattern, name)
		seen[name] = true
	}
	assert.Greater(t, len(seen), 1)
}
