package processmanager

import "testing"

func TestFor_SelectsBackendByManagerType(t *testing.T) {
	for _, managerType := range []string{"systemd", "launchd", "background", "external", "external-sudo", "external-setsid"} {
		pm, err := For(managerType, Config{})
		if err != nil {
			t.Fatalf("For(%q) error = %v", managerType, err)
		}
		if pm == nil {
			t.Fatalf("For(%q) = nil", managerType)
		}
	}
}

func TestFor_UnknownManagerTypeIsAnError(t *testing.T) {
	if _, err := For("made-up-backend", Config{}); err == nil {
		t.Fatal("For() with an unknown manager type error = nil, want ErrNotSupported")
	}
}
