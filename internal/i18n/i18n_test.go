package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English}, // Fallback
		{"", language.English},
	}

	for _, tt := range tests {
		got := MatchLanguage(tt.accept)
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "Accept: %s", tt.accept)
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		lcAll, lang string
		expected    language.Tag
	}{
		{"", "de_DE.UTF-8", language.German},
		{"en_GB.UTF-8", "de_DE.UTF-8", language.English},
		{"", "C", language.English},
		{"", "", language.English},
		{"", "xx_YY", language.English},
	}
	for _, tt := range tests {
		t.Setenv("LC_ALL", tt.lcAll)
		t.Setenv("LANG", tt.lang)
		base, _ := FromEnv().Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "LC_ALL=%q LANG=%q", tt.lcAll, tt.lang)
	}
}

func TestNewCLIPrinter_GroupsNumbers(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LANG", "en_US.UTF-8")
	assert.Equal(t, "12,345", NewCLIPrinter().Sprintf("%d", 12345))

	t.Setenv("LANG", "de_DE.UTF-8")
	assert.Equal(t, "12.345", NewCLIPrinter().Sprintf("%d", 12345))
}
