package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestNormalizeOscillation(t *testing.T) {
	tests := []struct {
		name    string
		speed   *int
		minY    *int
		maxY    *int
		want    OscillateParams
		wantErr bool
	}{
		{name: "all defaults", want: OscillateParams{Speed: 50, MinY: 0, MaxY: 100}},
		{name: "explicit values", speed: intPtr(85), minY: intPtr(10), maxY: intPtr(90),
			want: OscillateParams{Speed: 85, MinY: 10, MaxY: 90}},
		{name: "speed above range", speed: intPtr(101), wantErr: true},
		{name: "negative speed", speed: intPtr(-1), wantErr: true},
		{name: "minY not below maxY", minY: intPtr(60), maxY: intPtr(60), wantErr: true},
		{name: "inverted band", minY: intPtr(80), maxY: intPtr(20), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeOscillation(tt.speed, tt.minY, tt.maxY)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeOscillation error: %v", err)
			}
			if got != tt.want {
				t.Errorf("params = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClient_Disabled(t *testing.T) {
	c := NewClient(Config{Enabled: false, DeviceToken: "tok"})
	if _, err := c.Connection(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}

	c = NewClient(Config{Enabled: true})
	if _, err := c.Connection(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("missing token: err = %v, want ErrDisabled", err)
	}
}

func TestClient_NotConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Connection{Connected: false})
	}))
	defer srv.Close()

	c := NewClient(Config{Enabled: true, APIURL: srv.URL, DeviceToken: "tok"})
	if _, err := c.Connection(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestClient_OscillateProxiesThroughCluster(t *testing.T) {
	var clusterReq *http.Request
	var clusterBody OscillateParams

	cluster := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clusterReq = r
		if err := json.NewDecoder(r.Body).Decode(&clusterBody); err != nil {
			t.Errorf("decode cluster body: %v", err)
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer cluster.Close()

	central := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/autoblow/connected" {
			t.Errorf("central path = %q", r.URL.Path)
		}
		if r.Header.Get(HeaderDeviceToken) != "tok" {
			t.Errorf("missing device token header")
		}
		json.NewEncoder(w).Encode(Connection{Connected: true, Cluster: cluster.URL})
	}))
	defer central.Close()

	c := NewClient(Config{Enabled: true, APIURL: central.URL, DeviceToken: "tok"})
	result, err := c.Oscillate(context.Background(), OscillateParams{Speed: 60, MinY: 0, MaxY: 100})
	if err != nil {
		t.Fatalf("Oscillate error: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
	if clusterReq.Method != http.MethodPut || clusterReq.URL.Path != "/autoblow/oscillate" {
		t.Errorf("cluster request = %s %s", clusterReq.Method, clusterReq.URL.Path)
	}
	if clusterReq.Header.Get(HeaderDeviceToken) != "tok" {
		t.Error("cluster request missing device token")
	}
	if clusterBody.Speed != 60 {
		t.Errorf("forwarded speed = %d", clusterBody.Speed)
	}
}

func TestClient_StartAndStop(t *testing.T) {
	var paths []string
	cluster := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		fmt.Fprint(w, `{}`)
	}))
	defer cluster.Close()

	central := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Connection{Connected: true, Cluster: cluster.URL})
	}))
	defer central.Close()

	c := NewClient(Config{Enabled: true, APIURL: central.URL, DeviceToken: "tok"})
	if _, err := c.StartSync(context.Background(), "SomeMint"); err != nil {
		t.Fatalf("StartSync error: %v", err)
	}
	if _, err := c.StopOscillation(context.Background()); err != nil {
		t.Fatalf("StopOscillation error: %v", err)
	}

	want := []string{"/autoblow/sync-script/start", "/autoblow/oscillate/stop"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("cluster paths = %v, want %v", paths, want)
	}
}

func TestClusterBaseURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "cluster-7.example.com", want: "https://cluster-7.example.com"},
		{in: "https://cluster-7.example.com/", want: "https://cluster-7.example.com"},
		{in: "http://localhost:9000", want: "http://localhost:9000"},
		{in: "  ", wantErr: true},
	}

	for _, tt := range tests {
		got, err := clusterBaseURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("clusterBaseURL(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("clusterBaseURL(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("clusterBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
