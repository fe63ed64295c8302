package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func resetGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	t.Setenv(EnvEndpoint, "")
	tp, shutdown, err := Setup(context.Background(), Options{Name: "pg_exporter", Version: "test"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if tp != nil {
		t.Errorf("provider: got %T, want nil", tp)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_Protocols(t *testing.T) {
	for _, protocol := range []string{"", ProtocolGRPC, ProtocolHTTP} {
		t.Run("protocol="+protocol, func(t *testing.T) {
			resetGlobals(t)
			t.Setenv(EnvEndpoint, "http://127.0.0.1:1")
			t.Setenv(EnvProtocol, protocol)

			tp, shutdown, err := Setup(context.Background(), Options{Name: "pg_exporter", Version: "test"})
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			if tp == nil {
				t.Fatal("provider is nil with an endpoint set")
			}
			if otel.GetTracerProvider() != tp {
				t.Error("global tracer provider not installed")
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown: %v", err)
			}
		})
	}
}

func TestSetup_UnsupportedProtocol(t *testing.T) {
	resetGlobals(t)
	t.Setenv(EnvEndpoint, "http://127.0.0.1:1")
	t.Setenv(EnvProtocol, "http/json")

	_, _, err := Setup(context.Background(), Options{Name: "pg_exporter"})
	if !errors.Is(err, ErrUnsupportedProtocol) {
		t.Errorf("got %v, want ErrUnsupportedProtocol", err)
	}
}

func TestNewResource(t *testing.T) {
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "")
	t.Setenv("OTEL_SERVICE_NAME", "")

	t.Run("instance id from env", func(t *testing.T) {
		t.Setenv(EnvInstanceID, "replica-1")
		res, err := newResource(context.Background(), Options{Name: "pg_exporter", Version: "1.2.3"})
		if err != nil {
			t.Fatalf("newResource: %v", err)
		}
		want := map[attribute.Key]string{
			"service.name":        "pg_exporter",
			"service.version":     "1.2.3",
			"service.instance.id": "replica-1",
		}
		for k, v := range want {
			got, ok := res.Set().Value(k)
			if !ok || got.AsString() != v {
				t.Errorf("%s: got %q (found %v), want %q", k, got.AsString(), ok, v)
			}
		}
	})

	t.Run("generated instance id", func(t *testing.T) {
		t.Setenv(EnvInstanceID, "")
		a, err := newResource(context.Background(), Options{Name: "pg_exporter"})
		if err != nil {
			t.Fatalf("newResource: %v", err)
		}
		b, _ := newResource(context.Background(), Options{Name: "pg_exporter"})
		ida, _ := a.Set().Value("service.instance.id")
		idb, _ := b.Set().Value("service.instance.id")
		if ida.AsString() == "" || ida.AsString() == idb.AsString() {
			t.Errorf("instance ids: %q and %q, want distinct non-empty", ida.AsString(), idb.AsString())
		}
	})

	t.Run("service name from env wins", func(t *testing.T) {
		t.Setenv("OTEL_SERVICE_NAME", "pg-primary")
		res, err := newResource(context.Background(), Options{Name: "pg_exporter"})
		if err != nil {
			t.Fatalf("newResource: %v", err)
		}
		if v, _ := res.Set().Value("service.name"); v.AsString() != "pg-primary" {
			t.Errorf("service.name: got %q, want pg-primary", v.AsString())
		}
	})
}
