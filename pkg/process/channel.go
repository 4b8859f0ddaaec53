package process

import (
	"github.com/turtacn/Procwarden/internal/resource"
	"github.com/turtacn/Procwarden/pkg/eventloop"
	"github.com/turtacn/Procwarden/pkg/errors"
)

// route says where one of the child's standard streams is connected.
type route interface{ isRoute() }

// normalRoute is a pipe back to this Process.
type normalRoute struct{}

// redirectRoute is a file opened in the parent and inherited by the child.
type redirectRoute struct {
	path       string
	appendMode bool
}

// pipeSourceRoute connects our stdout to the stdin of sink.
type pipeSourceRoute struct{ sink *Process }

// pipeSinkRoute connects our stdin to the stdout of source.
type pipeSinkRoute struct{ source *Process }

func (normalRoute) isRoute()     {}
func (redirectRoute) isRoute()   {}
func (pipeSourceRoute) isRoute() {}
func (pipeSinkRoute) isRoute()   {}

type channel struct {
	route    route
	pipe     resource.Pipe
	notifier eventloop.Notifier
}

func newChannel() channel {
	return channel{route: normalRoute{}, pipe: resource.NewPipe()}
}

// SetStandardInputFile makes the child read stdin from path.
func (p *Process) SetStandardInputFile(path string) {
	if !p.configurable("SetStandardInputFile") {
		return
	}
	p.detachPartner(&p.stdin)
	p.stdin.route = redirectRoute{path: path}
}

// SetStandardOutputFile sends the child's stdout to path, truncating it
// unless appendMode is set.
func (p *Process) SetStandardOutputFile(path string, appendMode bool) {
	if !p.configurable("SetStandardOutputFile") {
		return
	}
	p.detachPartner(&p.stdout)
	p.stdout.route = redirectRoute{path: path, appendMode: appendMode}
}

// SetStandardErrorFile sends the child's stderr to path. It has no effect
// in merged mode.
func (p *Process) SetStandardErrorFile(path string, appendMode bool) {
	if !p.configurable("SetStandardErrorFile") {
		return
	}
	p.stderr.route = redirectRoute{path: path, appendMode: appendMode}
}

// SetStandardOutputProcess pipes this process's stdout into dest's stdin.
// Passing nil restores a normal stdout pipe.
func (p *Process) SetStandardOutputProcess(dest *Process) {
	if !p.configurable("SetStandardOutputProcess") {
		return
	}
	p.detachPartner(&p.stdout)
	if dest == nil {
		p.stdout.route = normalRoute{}
		return
	}
	dest.detachPartner(&dest.stdin)
	p.stdout.route = pipeSourceRoute{sink: dest}
	dest.stdin.route = pipeSinkRoute{source: p}
}

// detachPartner resets the other side of an existing process pipe.
func (p *Process) detachPartner(ch *channel) {
	switch r := ch.route.(type) {
	case pipeSourceRoute:
		if sr, ok := r.sink.stdin.route.(pipeSinkRoute); ok && sr.source == p {
			r.sink.stdin.route = normalRoute{}
		}
	case pipeSinkRoute:
		if sr, ok := r.source.stdout.route.(pipeSourceRoute); ok && sr.sink == p {
			r.source.stdout.route = normalRoute{}
		}
	}
	ch.route = normalRoute{}
}

// createChannel prepares the parent side of one stream before the fork.
func (p *Process) createChannel(ch *channel) error {
	input := ch == &p.stdin

	switch r := ch.route.(type) {
	case normalRoute:
		if err := ch.pipe.Create(); err != nil {
			return errors.New(errors.ErrCodeFailedToStart, "Start", "could not create pipe", err)
		}
		if p.dispatcher != nil {
			if input {
				ch.notifier = p.dispatcher.Watch(ch.pipe.W, true, func() { p.canWrite() })
				ch.notifier.SetEnabled(false)
			} else if ch == &p.stdout {
				ch.notifier = p.dispatcher.Watch(ch.pipe.R, false, func() { p.canReadStandardOutput() })
			} else {
				ch.notifier = p.dispatcher.Watch(ch.pipe.R, false, func() { p.canReadStandardError() })
			}
		}
		return nil

	case redirectRoute:
		fd, err := resource.OpenRedirect(r.path, input, r.appendMode)
		if err != nil {
			if input {
				return errors.New(errors.ErrCodeFailedToStart, "Start", "could not open input redirection for reading", err)
			}
			return errors.New(errors.ErrCodeFailedToStart, "Start", "could not open output redirection for writing", err)
		}
		if input {
			ch.pipe.R = fd
		} else {
			ch.pipe.W = fd
		}
		return nil

	case pipeSourceRoute:
		// our stdout is the write end; the sink's stdin gets the read end
		sink := &r.sink.stdin
		if ch.pipe.W != resource.Invalid || sink.pipe.R != resource.Invalid {
			return nil
		}
		shared := resource.NewPipe()
		if err := shared.Create(); err != nil {
			return errors.New(errors.ErrCodeFailedToStart, "Start", "could not create pipe", err)
		}
		ch.pipe.W = shared.W
		sink.pipe.R = shared.R
		return nil

	case pipeSinkRoute:
		source := &r.source.stdout
		if ch.pipe.R != resource.Invalid || source.pipe.W != resource.Invalid {
			return nil
		}
		shared := resource.NewPipe()
		if err := shared.Create(); err != nil {
			return errors.New(errors.ErrCodeFailedToStart, "Start", "could not create pipe", err)
		}
		ch.pipe.R = shared.R
		source.pipe.W = shared.W
		return nil
	}
	return nil
}

// closeChannel drops the notifier before the fds so a recycled fd number is
// never watched on behalf of this channel.
func (p *Process) closeChannel(ch *channel) {
	if ch.notifier != nil {
		ch.notifier.Close()
		ch.notifier = nil
	}
	ch.pipe.Destroy()
}

// Personal.AI order the ending
