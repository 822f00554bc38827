package produce

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// lastFrame is the most recently forwarded picture before cursor
// compositing, kept for repetition and cursor-only updates.
type lastFrame struct {
	image  *VideoFrame
	dmabuf *DMABuf
	pts    time.Duration
	at     time.Time
}

type filterJob struct {
	in  FilterInput
	pts time.Duration
}

type encodeJob struct {
	in  *EncodeInput
	pts time.Duration
}

var errNoPicture = errors.New("filter produced no picture")

// ProcessFrame implements FrameHandler. It never blocks on the workers:
// a frame that cannot be admitted is dropped.
func (p *Producer) ProcessFrame(f Frame) {
	p.stats.received.Add(1)

	p.arrivalMu.Lock()
	defer p.arrivalMu.Unlock()

	if p.deactivated.Load() || p.State() != StreamStateStreaming {
		p.stats.inactive.Add(1)
		return
	}
	if f.Cursor != nil {
		p.cursor.update(f.Cursor)
	}

	ts := time.Since(p.start)
	if f.HasPTS {
		ts = p.videoClock.rebase(f.PTS, ts)
	}

	img, dmabuf := f.Image, f.DMABuf
	fresh := img != nil
	if f.cursorOnly() {
		if p.last == nil {
			return
		}
		img, dmabuf, fresh = p.last.image, p.last.dmabuf, false
	}

	if !p.gate.allow(ts) {
		p.stats.rateDropped.Add(1)
		return
	}
	p.forwardLocked(img, dmabuf, ts, fresh)
}

// forwardLocked admits a picture to the filter stage, keeps it for
// repetition and composites the cursor. A fresh image still belongs to the
// source and is copied once admitted. Called with arrivalMu held.
func (p *Producer) forwardLocked(img *VideoFrame, dmabuf *DMABuf, ts time.Duration, fresh bool) {
	if !p.pending.filter.TryAcquire() {
		p.stats.filterDropped.Add(1)
		p.log.WithField("pending", p.pending.filter.Load()).Debug("filter stage full, frame dropped")
		p.repeat.arm()
		return
	}
	if fresh {
		img = img.Clone()
	}

	p.gate.forwarded(ts)
	p.last = &lastFrame{image: img, dmabuf: dmabuf, pts: ts, at: time.Now()}
	p.repeat.arm()

	in := FilterInput{Image: img, DMABuf: dmabuf}
	if overlay := p.cursor.overlay(); overlay != nil {
		if img != nil {
			in.Image = img.Clone()
			compositeCursor(in.Image, overlay)
		} else {
			in.Cursor = overlay
		}
	}

	job := &filterJob{in: in, pts: ts}
	if p.cfg.InlineFilter {
		p.filterAndAdmit(job)
		return
	}
	select {
	case p.passCh <- job:
	default:
		p.pending.filter.Release()
		p.stats.filterDropped.Add(1)
	}
}

// repeatLast re-submits the last frame when the source has been idle for a
// full repeat period.
func (p *Producer) repeatLast(gen uint64) {
	p.arrivalMu.Lock()
	defer p.arrivalMu.Unlock()

	if !p.repeat.current(gen) || p.deactivated.Load() || p.State() != StreamStateStreaming || p.last == nil {
		return
	}
	last := p.last
	pts := last.pts + time.Since(last.at)
	p.stats.repeated.Add(1)
	p.forwardLocked(last.image, last.dmabuf, pts, false)
}

func (p *Producer) passthroughLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.passCh:
			p.filterAndAdmit(job)
		}
	}
}

// filterAndAdmit runs the filter graph and moves the result from the filter
// stage to the encode stage.
func (p *Producer) filterAndAdmit(job *filterJob) {
	if p.ctx.Err() != nil {
		p.pending.filter.Release()
		return
	}
	out, err := p.filter.Process(job.in)
	p.pending.filter.Release()
	if err == nil && out == nil {
		err = errNoPicture
	}
	if err != nil {
		p.stats.encodeErrors.Add(1)
		p.report(newStreamError(KindEncodeFailure, "filter", err))
		return
	}

	if !p.pending.encode.TryAcquire() {
		out.Release()
		p.stats.encodeDropped.Add(1)
		p.log.WithField("pending", p.pending.encode.Load()).Debug("encode stage full, frame dropped")
		return
	}
	select {
	case p.outCh <- &encodeJob{in: out, pts: job.pts}:
	default:
		out.Release()
		p.pending.encode.Release()
		p.stats.encodeDropped.Add(1)
	}
}

func (p *Producer) outputLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.outCh:
			p.encode(job)
		}
	}
}

// encode runs one picture through the encoder and hands the packets on.
func (p *Producer) encode(job *encodeJob) {
	in := job.in
	if p.ctx.Err() != nil {
		in.Release()
		p.pending.encode.Release()
		return
	}

	p.opts.hooks.AboutToEncode(in)
	pts, bumped := p.clamp.next(p.opts.hooks.FramePTS(job.pts))
	if bumped {
		p.stats.ptsBumps.Add(1)
	}
	in.PTS = pts

	pkts, err := p.encoder.Encode(in)
	in.Release()
	p.pending.encode.Release()
	if err != nil {
		p.stats.encodeErrors.Add(1)
		p.report(newStreamError(KindEncodeFailure, "encode", err))
		return
	}
	p.stats.encoded.Add(1)
	if len(pkts) == 0 {
		return
	}
	if err := p.emit(pkts); err != nil {
		return
	}
	p.stats.produced.Add(1)
	if p.opts.onProduced != nil {
		p.opts.onProduced()
	}
}

// emit passes packets to the handler. A handler error fails the stream.
func (p *Producer) emit(pkts []*Packet) error {
	for _, pkt := range pkts {
		if err := p.handler.ProcessPacket(pkt); err != nil {
			p.outputFailed.Store(true)
			p.fail(newStreamError(KindOutputFailure, "writePacket", err))
			return err
		}
	}
	return nil
}

// flushQueues drops queued frames that have not started filtering or
// encoding, returning their admissions.
func (p *Producer) flushQueues() {
	dropped := 0
	for {
		select {
		case <-p.passCh:
			p.pending.filter.Release()
			dropped++
			continue
		default:
		}
		break
	}
	for {
		select {
		case job := <-p.outCh:
			job.in.Release()
			p.pending.encode.Release()
			dropped++
			continue
		default:
		}
		break
	}
	if dropped > 0 {
		p.log.WithFields(logrus.Fields{"dropped": dropped}).Debug("flushed queued frames")
	}
}
