package collab

import "testing"

func TestNormalizeWsURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://example.com/ws/", "wss://example.com/ws"},
		{"http://example.com/ws", "ws://example.com/ws"},
		{"wss://example.com/ws", "wss://example.com/ws"},
		{"ws://example.com/ws/", "ws://example.com/ws"},
	}
	for _, tt := range tests {
		if got := NormalizeWsURL(tt.input); got != tt.want {
			t.Errorf("NormalizeWsURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWsURLWithToken(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		token string
		want  string
	}{
		{
			name:  "appends token",
			base:  "wss://example.com/ws",
			token: "abc",
			want:  "wss://example.com/ws?token=abc",
		},
		{
			name:  "existing query string",
			base:  "wss://example.com/ws?v=2",
			token: "abc",
			want:  "wss://example.com/ws?v=2&token=abc",
		},
		{
			name: "no token leaves url untouched",
			base: "wss://example.com/ws",
			want: "wss://example.com/ws",
		},
		{
			name:  "http scheme normalized first",
			base:  "https://example.com/ws",
			token: "abc",
			want:  "wss://example.com/ws?token=abc",
		},
		{
			name:  "reserved characters are escaped",
			base:  "wss://example.com/ws",
			token: "a&b=c#d+e",
			want:  "wss://example.com/ws?token=a%26b%3Dc%23d%2Be",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wsURLWithToken(tt.base, tt.token); got != tt.want {
				t.Errorf("wsURLWithToken(%q, %q) = %q, want %q", tt.base, tt.token, got, tt.want)
			}
		})
	}
}
