// Package endpoint resolves URI-style endpoint strings ("inet://host:port",
// "unix:///path/to/sock") into bound, non-blocking, close-on-exec sockets.
// It is a collaborator of the reactor, not part of it: the reactor only
// needs a descriptor to watch, and endpoint is where that descriptor comes
// from.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Family is the protocol family of a Sock.
type Family int

const (
	// FamilyInet is an IPv4 or IPv6 socket.
	FamilyInet Family = iota
	// FamilyUnix is a Unix domain socket.
	FamilyUnix
)

// SockType is the socket type requested at Parse time.
type SockType int

const (
	// TypeStream is SOCK_STREAM (TCP, or a Unix stream socket).
	TypeStream SockType = unix.SOCK_STREAM
	// TypeDgram is SOCK_DGRAM (UDP, or a Unix datagram socket).
	TypeDgram SockType = unix.SOCK_DGRAM
	// TypeSeqpacket is SOCK_SEQPACKET, supported only for Unix sockets.
	TypeSeqpacket SockType = unix.SOCK_SEQPACKET
)

// Sizing limits for inet addresses.
const (
	maxHostLen = 255 // FQDN, excluding the terminator
	maxPortLen = 5   // decimal 1-65535, excluding the terminator
	maxInetLen = 261 // host(255) + ':' + port(5), excluding the terminator
)

var (
	// ErrInvalidArgument covers malformed addresses, unrecognized schemes,
	// and a wildcard host with no port.
	ErrInvalidArgument = errors.New("endpoint: invalid argument")
	// ErrNameTooLong covers a host, path, or combined address exceeding the
	// limits this package enforces.
	ErrNameTooLong = errors.New("endpoint: name too long")
	// ErrResolve covers passive address-info resolution failures.
	ErrResolve = errors.New("endpoint: name resolution failed")
	// ErrSyscall covers socket(2)/bind(2)/listen(2) failures.
	ErrSyscall = errors.New("endpoint: syscall failed")
)

// Sock is a parsed, resolved, not-yet-listening (or already listening)
// endpoint. The zero value is not usable; construct with Parse.
type Sock struct {
	fd       int
	family   Family
	sockType SockType
	sa       unix.Sockaddr
	path     string // non-empty only for FamilyUnix; unlinked by Close
}

// Parse resolves address (an "inet://" or "unix://" URI) into a bound-ready
// Sock of the given type. For "inet://", the remainder is host[:port],
// where host may be "*" only when a port is supplied. For "unix://", the
// remainder is a filesystem path.
//
// Parse allocates and initializes a non-blocking, close-on-exec socket
// descriptor but does not bind or listen; call Listen for that.
func Parse(address string, sockType SockType) (*Sock, error) {
	scheme, rest, ok := strings.Cut(address, "://")
	if !ok {
		return nil, fmt.Errorf("%w: missing scheme in %q", ErrInvalidArgument, address)
	}

	switch scheme {
	case "inet":
		return parseInet(rest, sockType)
	case "unix":
		return parseUnix(rest, sockType)
	default:
		return nil, fmt.Errorf("%w: unrecognized scheme %q", ErrInvalidArgument, scheme)
	}
}

func parseInet(rest string, sockType SockType) (*Sock, error) {
	if len(rest) > maxInetLen {
		return nil, fmt.Errorf("%w: inet address exceeds %d bytes", ErrNameTooLong, maxInetLen)
	}

	host, port, hasPort := strings.Cut(rest, ":")
	if host == "*" && !hasPort {
		return nil, fmt.Errorf("%w: wildcard host requires a port", ErrInvalidArgument)
	}
	if hasPort && port == "" {
		return nil, fmt.Errorf("%w: empty port", ErrInvalidArgument)
	}
	if len(host) >= 256 {
		return nil, fmt.Errorf("%w: host exceeds %d bytes", ErrNameTooLong, maxHostLen)
	}
	if len(port) >= 6 {
		return nil, fmt.Errorf("%w: port exceeds %d bytes", ErrNameTooLong, maxPortLen)
	}

	lookupHost := host
	if host == "*" {
		lookupHost = ""
	}

	var resolved []net.IP
	var resolvedPort int
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidArgument, port)
		}
		resolvedPort = p
	}

	if lookupHost == "" {
		resolved = []net.IP{net.IPv6zero, net.IPv4zero}
	} else {
		ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", lookupHost)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrResolve, lookupHost, err)
		}
		resolved = ips
	}

	var lastErr error
	for _, ip := range resolved {
		fd, sa, err := createInetSocket(ip, resolvedPort, sockType)
		if err != nil {
			lastErr = err
			continue
		}
		return &Sock{fd: fd, family: FamilyInet, sockType: sockType, sa: sa}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no usable address for %q", ErrResolve, lookupHost)
	}
	return nil, lastErr
}

func createInetSocket(ip net.IP, port int, sockType SockType) (int, unix.Sockaddr, error) {
	domain := unix.AF_INET
	if ip.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, int(sockType), 0)
	if err != nil {
		return -1, nil, fmt.Errorf("%w: socket: %v", ErrSyscall, err)
	}
	if err := initSocket(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	if domain == unix.AF_INET {
		var addr [4]byte
		copy(addr[:], ip.To4())
		return fd, &unix.SockaddrInet4{Port: port, Addr: addr}, nil
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return fd, &unix.SockaddrInet6{Port: port, Addr: addr}, nil
}

func parseUnix(path string, sockType SockType) (*Sock, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty unix path", ErrInvalidArgument)
	}
	if len(path) >= maxUnixPath {
		return nil, fmt.Errorf("%w: unix path exceeds %d bytes", ErrNameTooLong, maxUnixPath)
	}

	fd, err := unix.Socket(unix.AF_UNIX, int(sockType), 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrSyscall, err)
	}
	if err := initSocket(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &Sock{
		fd:       fd,
		family:   FamilyUnix,
		sockType: sockType,
		sa:       &unix.SockaddrUnix{Name: path},
		path:     path,
	}, nil
}

// Listen binds the socket to its resolved address and marks it listening
// with the given backlog.
func (s *Sock) Listen(backlog int) error {
	if err := unix.Bind(s.fd, s.sa); err != nil {
		return fmt.Errorf("%w: bind: %v", ErrSyscall, err)
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("%w: listen: %v", ErrSyscall, err)
	}
	return nil
}

// Close closes the descriptor, unlinks the filesystem path for Unix
// endpoints, and releases the address record.
func (s *Sock) Close() error {
	err := unix.Close(s.fd)
	if s.family == FamilyUnix && s.path != "" {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrSyscall, err)
	}
	return nil
}

// FD returns the underlying descriptor.
func (s *Sock) FD() int { return s.fd }

// Family returns the protocol family.
func (s *Sock) Family() Family { return s.family }

// SockType returns the socket type.
func (s *Sock) SockType() SockType { return s.sockType }

// Addr returns the resolved address record: a bind target for a listener,
// or a peer to connect to for a client socket. Parse produces the same
// record either way; the caller's choice of Listen or netutil.Connect is
// what decides its role.
func (s *Sock) Addr() unix.Sockaddr { return s.sa }

// initSocket applies the socket-initialization contract shared by every
// endpoint this package creates: non-blocking, close-on-exec, and, for
// sockets that will bind to a local address, address-reusable.
func initSocket(fd int, reusable bool) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("%w: set non-blocking: %v", ErrSyscall, err)
	}
	unix.CloseOnExec(fd)
	if reusable {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("%w: set SO_REUSEADDR: %v", ErrSyscall, err)
		}
	}
	return nil
}
