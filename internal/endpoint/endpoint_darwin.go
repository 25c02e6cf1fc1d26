//go:build darwin

package endpoint

// maxUnixPath mirrors sizeof(((struct sockaddr_un*)0)->sun_path) on the BSD
// family (Darwin included).
const maxUnixPath = 104
