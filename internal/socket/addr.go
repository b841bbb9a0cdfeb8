//go:build linux || darwin

package socket

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// resolve turns host and port into a socket address. An empty host or "*"
// means every IPv4 interface; names go through the system resolver and IPv4
// answers are preferred.
func resolve(host string, port int) (unix.Sockaddr, int, error) {
	if port < 0 || port > 0xffff {
		return nil, 0, errors.Errorf("socket: port %d out of range", port)
	}
	var ip net.IP
	switch host {
	case "", "*":
		ip = net.IPv4zero
	default:
		if ip = net.ParseIP(host); ip == nil {
			addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
			if err != nil {
				return nil, 0, osError("resolve", err)
			}
			for _, a := range addrs {
				if a.IP.To4() != nil {
					ip = a.IP
					break
				}
			}
			if ip == nil && len(addrs) > 0 {
				ip = addrs[0].IP
			}
			if ip == nil {
				return nil, 0, &OsError{Op: "resolve", Msg: "no address for " + host}
			}
		}
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrHostPort(sa unix.Sockaddr) (string, int, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(v.Addr[:]).String(), v.Port, nil
	case *unix.SockaddrInet6:
		return net.IP(v.Addr[:]).String(), v.Port, nil
	default:
		return "", 0, errors.Errorf("socket: unsupported address type %T", sa)
	}
}
