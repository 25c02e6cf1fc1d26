//go:build !linux && !darwin

package endpoint

// maxUnixPath falls back to the common BSD sockaddr_un.sun_path size for
// platforms outside Linux and Darwin.
const maxUnixPath = 104
