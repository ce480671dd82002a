package copilot

import "testing"

func TestDeriveHost(t *testing.T) {
	cases := []struct {
		name            string
		explicitTarget  string
		githubServerURL string
		want            string
	}{
		{"no inputs", "", "", "api.githubcopilot.com"},
		{"explicit override wins", "x", "https://github.com", "x"},
		{"github.com", "", "https://github.com", "api.githubcopilot.com"},
		{"ghe subdomain", "", "https://mycompany.ghe.com", "api.mycompany.ghe.com"},
		{"ghe subdomain with port and path", "", "https://mycompany.ghe.com:443/path", "api.mycompany.ghe.com"},
		{"other host is enterprise", "", "https://git.corp.com", "api.enterprise.githubcopilot.com"},
		{"unparsable url falls back to default", "", "not-a-url", "api.githubcopilot.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveHost(tc.explicitTarget, tc.githubServerURL)
			if got != tc.want {
				t.Fatalf("DeriveHost(%q, %q) = %q, want %q", tc.explicitTarget, tc.githubServerURL, got, tc.want)
			}
		})
	}
}
