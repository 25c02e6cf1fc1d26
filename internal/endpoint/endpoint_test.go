package endpoint_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tripwire/reactor/internal/endpoint"
)

func TestParse_InetLoopback(t *testing.T) {
	s, err := endpoint.Parse("inet://127.0.0.1:0", endpoint.TypeStream)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer s.Close()

	if s.FD() <= 0 {
		t.Fatalf("FD() = %d, want > 0", s.FD())
	}
	if s.Family() != endpoint.FamilyInet {
		t.Errorf("Family() = %v, want FamilyInet", s.Family())
	}

	if err := s.Listen(16); err != nil {
		t.Fatalf("Listen: %v", err)
	}
}

func TestParse_UnixPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.sock")

	s, err := endpoint.Parse("unix://"+path, endpoint.TypeStream)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Family() != endpoint.FamilyUnix {
		t.Errorf("Family() = %v, want FamilyUnix", s.Family())
	}
	if err := s.Listen(16); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected socket file to exist: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected %q to be removed after Close, stat err = %v", path, err)
	}
}

func TestParse_WildcardWithoutPort(t *testing.T) {
	_, err := endpoint.Parse("inet://*", endpoint.TypeStream)
	if !errors.Is(err, endpoint.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestParse_UnknownScheme(t *testing.T) {
	_, err := endpoint.Parse("sctp://127.0.0.1:80", endpoint.TypeStream)
	if !errors.Is(err, endpoint.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestParse_MissingScheme(t *testing.T) {
	_, err := endpoint.Parse("127.0.0.1:80", endpoint.TypeStream)
	if !errors.Is(err, endpoint.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestParse_HostTooLong(t *testing.T) {
	longHost := strings.Repeat("a", 256)
	_, err := endpoint.Parse("inet://"+longHost+":80", endpoint.TypeStream)
	if !errors.Is(err, endpoint.ErrNameTooLong) {
		t.Fatalf("err = %v, want ErrNameTooLong", err)
	}
}

func TestParse_EmptyPort(t *testing.T) {
	_, err := endpoint.Parse("inet://127.0.0.1:", endpoint.TypeStream)
	if !errors.Is(err, endpoint.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestParse_InvalidPort(t *testing.T) {
	_, err := endpoint.Parse("inet://127.0.0.1:notaport", endpoint.TypeStream)
	if !errors.Is(err, endpoint.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestParse_UnixPathTooLong(t *testing.T) {
	_, err := endpoint.Parse("unix://"+strings.Repeat("a", 200), endpoint.TypeStream)
	if !errors.Is(err, endpoint.ErrNameTooLong) {
		t.Fatalf("err = %v, want ErrNameTooLong", err)
	}
}
