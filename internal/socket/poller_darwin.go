//go:build darwin

package socket

import (
	"golang.org/x/sys/unix"
)

// poller wraps a kqueue. kqueue registers read and write filters separately,
// so the current interest set is tracked per descriptor. Only the I/O
// goroutine touches it.
type poller struct {
	kq       int
	buf      [128]unix.Kevent_t
	interest map[int]ioEvents
}

func newPoller() (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, osError("kqueue", err)
	}
	unix.CloseOnExec(kq)
	return &poller{kq: kq, interest: make(map[int]ioEvents)}, nil
}

func (p *poller) add(fd int, events ioEvents) error {
	if kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			return err
		}
	}
	p.interest[fd] = events
	return nil
}

func (p *poller) modify(fd int, events ioEvents) error {
	old := p.interest[fd]
	p.interest[fd] = events
	if gone := old &^ events; gone != 0 {
		_, _ = unix.Kevent(p.kq, eventsToKevents(fd, gone, unix.EV_DELETE), nil, nil)
	}
	if added := events &^ old; added != 0 {
		if _, err := unix.Kevent(p.kq, eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *poller) remove(fd int) error {
	events := p.interest[fd]
	delete(p.interest, fd)
	if kevents := eventsToKevents(fd, events, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(p.kq, kevents, nil, nil)
	}
	return nil
}

func (p *poller) wait(out []readyEvent, timeoutMs int) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.buf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, osError("kevent", err)
	}
	for i := 0; i < n; i++ {
		out = append(out, readyEvent{
			fd:     int(p.buf[i].Ident),
			events: keventToEvents(&p.buf[i]),
		})
	}
	return out, nil
}

func (p *poller) close() error {
	return unix.Close(p.kq)
}

func eventsToKevents(fd int, events ioEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&eventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&eventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) ioEvents {
	var events ioEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= eventRead
	case unix.EVFILT_WRITE:
		events |= eventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= eventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= eventHangup
	}
	return events
}
