package service

import "testing"

func TestJWKSHealthPath(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "путь realm-сертификатов",
			input: "https://keycloak.scouts.local/realms/tesoreria/protocol/openid-connect/certs",
			want:  "/realms/tesoreria/protocol/openid-connect/certs",
		},
		{
			name:  "без пути",
			input: "https://keycloak.scouts.local",
			want:  "/health",
		},
		{
			name:  "некорректный URL",
			input: "://",
			want:  "/health",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jwksHealthPath(tt.input); got != tt.want {
				t.Errorf("jwksHealthPath(%q) = %q, ожидается %q", tt.input, got, tt.want)
			}
		})
	}
}
