package device

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLanguage(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"en_GB.UTF-8"}, "en-GB"},
		{[]string{"de_DE@euro"}, "de-DE"},
		{[]string{"", "fr_FR.UTF-8"}, "fr-FR"},
		{[]string{"C", "POSIX"}, ""},
		{[]string{"C.UTF-8", "pt_BR"}, "pt-BR"},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Language(tt.in...), "locales %v", tt.in)
	}
}

func TestStaticProvider(t *testing.T) {
	var p Provider = Static{DeviceID: "dev-1", SourceIP: "10.0.0.1", Language: "en-GB"}
	assert.Equal(t, Properties{DeviceID: "dev-1", SourceIP: "10.0.0.1", Language: "en-GB"}, p.Properties())
}

func TestDetectOverride(t *testing.T) {
	p := Detect(Properties{DeviceID: "fixed", Language: "es-ES"}).Properties()
	assert.Equal(t, "fixed", p.DeviceID)
	assert.Equal(t, "es-ES", p.Language)
}

func TestDetectDeviceIDIsUUID(t *testing.T) {
	p := Detect(Properties{}).Properties()
	_, err := uuid.Parse(p.DeviceID)
	assert.NoError(t, err)
}

func TestDetectIsStable(t *testing.T) {
	a := deviceID()
	b := deviceID()
	// Hosts without a machine id fall back to random ids.
	if _, err := readMachineID(); err == nil {
		assert.Equal(t, a, b)
	}
}
