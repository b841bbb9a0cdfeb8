//go:build linux

package socket

import (
	"golang.org/x/sys/unix"
)

// poller wraps a level-triggered epoll instance. Only the I/O goroutine
// touches it.
type poller struct {
	epfd int
	buf  [128]unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, osError("epoll_create", err)
	}
	return &poller{epfd: epfd}, nil
}

func (p *poller) add(fd int, events ioEvents) error {
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *poller) modify(fd int, events ioEvents) error {
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeoutMs (negative means forever) and appends ready
// descriptors to out.
func (p *poller) wait(out []readyEvent, timeoutMs int) ([]readyEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.buf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, osError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		out = append(out, readyEvent{
			fd:     int(p.buf[i].Fd),
			events: epollToEvents(p.buf[i].Events),
		})
	}
	return out, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func eventsToEpoll(events ioEvents) uint32 {
	var epollEvents uint32
	if events&eventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&eventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) ioEvents {
	var events ioEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= eventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= eventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= eventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= eventHangup
	}
	return events
}
