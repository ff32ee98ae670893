package types

import "testing"

func TestProviderDisplayName(t *testing.T) {
	tests := []struct {
		provider ProviderID
		want     string
	}{
		{ProviderDegiro, "DEGIRO"},
		{ProviderTrading212, "Trading 212"},
		{ProviderBinance, "Binance"},
		{ProviderCryptoCom, "Crypto.com"},
		{ProviderID("other"), "other"},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			if got := tt.provider.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseUserTier(t *testing.T) {
	tests := []struct {
		in      string
		want    UserTier
		wantErr bool
	}{
		{"", TierFree, false},
		{"free", TierFree, false},
		{"basic", TierBasic, false},
		{"premium", TierPremium, false},
		{"gold", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUserTier(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseUserTier(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseUserTier(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
