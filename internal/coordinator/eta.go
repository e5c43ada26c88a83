package coordinator

import "time"

// ETASmoother implements the corrected exponential smoothing from spec
// §4.1/§9 Open Question (a): the source's
// `eta_estimated_speed = eta_estimated_speed*0.9 + eta_estimated_speed*0.1`
// is a bug (it never mixes in the new sample); this uses the intended
// `speed_est*0.9 + speed*0.1` form.
type ETASmoother struct {
	alpha        float64
	speedEstBps  float64
	haveEstimate bool

	lastTick     time.Time
	lastReceived int64
}

// NewETASmoother returns a smoother with the spec's fixed 0.9 weight. A
// prior estimate (e.g. from duration history) may be supplied to seed
// speedEstBps before the first real sample; pass 0 for none.
func NewETASmoother(priorSpeedBps float64) *ETASmoother {
	s := &ETASmoother{alpha: 0.9}
	if priorSpeedBps > 0 {
		s.speedEstBps = priorSpeedBps
		s.haveEstimate = true
	}
	return s
}

// Start records the first tick's baseline; call once before the first Tick.
func (s *ETASmoother) Start(now time.Time, receivedBytes int64) {
	s.lastTick = now
	s.lastReceived = receivedBytes
}

// Tick folds in one progress sample and returns the updated speed
// estimate in bytes/ms.
func (s *ETASmoother) Tick(now time.Time, receivedBytes int64) float64 {
	deltaMs := now.Sub(s.lastTick).Milliseconds()
	deltaBytes := receivedBytes - s.lastReceived
	s.lastTick = now
	s.lastReceived = receivedBytes

	if deltaMs <= 0 {
		return s.speedEstBps
	}
	speed := float64(deltaBytes) / float64(deltaMs)

	if !s.haveEstimate {
		s.speedEstBps = speed
		s.haveEstimate = true
	} else {
		s.speedEstBps = s.alpha*s.speedEstBps + (1-s.alpha)*speed
	}
	return s.speedEstBps
}

// SpeedEstBps returns the current smoothed speed, in bytes/ms.
func (s *ETASmoother) SpeedEstBps() float64 { return s.speedEstBps }

// ETASeconds publishes the remaining-time estimate given the total the
// job expects to transfer and what it has received so far.
func (s *ETASmoother) ETASeconds(totalExpected, received int64) float64 {
	if s.speedEstBps <= 0 {
		return 0
	}
	remainingBytes := float64(totalExpected - received)
	if remainingBytes <= 0 {
		return 0
	}
	return remainingBytes / s.speedEstBps / 1000
}

// SmoothDuration folds one completed backup's speed estimate into the
// prior estimate read from duration history, using the same 0.9/0.1
// weighting as the live smoother, per spec §4.1 ("Duration history is
// smoothed identically when composing a prior estimate for the next
// backup"). The value this returns is what gets persisted, so the next
// backup's seed is itself already a blend across history.
func SmoothDuration(prior, sample float64) float64 {
	if prior <= 0 {
		return sample
	}
	return 0.9*prior + 0.1*sample
}
