package engine

import (
	"testing"
)

func Test_Config_Validate(t *testing.T) {
	type args struct {
		c Config
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
	}{
		{"ok", args{Config{ListenPort: 6881, MaxPeers: 10}}, false},
		{"port-zero", args{Config{ListenPort: 0, MaxPeers: 10}}, true},
		{"port-high", args{Config{ListenPort: 70000, MaxPeers: 10}}, true},
		{"no-peers", args{Config{ListenPort: 6881, MaxPeers: 0}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.args.c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func Test_Config_NormalizeWatchDir(t *testing.T) {
	c := Config{WatchDirectory: "./torrents"}
	changed, err := c.NormalizeWatchDir()
	if err != nil {
		t.Fatalf("NormalizeWatchDir() error = %v", err)
	}
	if !changed {
		t.Error("relative path should have been rewritten")
	}
	if c.WatchDirectory == "./torrents" {
		t.Error("WatchDirectory still relative")
	}

	// an already absolute path is left alone
	changed, err = c.NormalizeWatchDir()
	if err != nil || changed {
		t.Errorf("second pass = %v %v, want no change", changed, err)
	}
}
