package phy

import (
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim/events"
)

// Channel is the single shared broadcast medium. Every transmission reaches
// every other attached radio after the propagation delay.
type Channel struct {
	sched events.Scheduler
	prop  Propagation
	phys  []*Phy
}

// NewChannel creates an empty channel.
func NewChannel(sched events.Scheduler, prop Propagation) *Channel {
	return &Channel{sched: sched, prop: prop}
}

// Attach puts p on the channel.
func (c *Channel) Attach(p *Phy) {
	p.channel = c
	c.phys = append(c.phys, p)
}

// Phys returns the attached radios.
func (c *Channel) Phys() []*Phy {
	return append([]*Phy(nil), c.phys...)
}

// RxPowerDbm returns the power at which to receives from at current positions.
func (c *Channel) RxPowerDbm(from, to *Phy) float64 {
	d := from.Position().DistanceTo(to.Position())
	return from.radio.TxPowerDbm + from.radio.TxGainDb + to.radio.RxGainDb - c.prop.LossDb(d)
}

func (c *Channel) transmit(from *Phy, pkt *frame.Packet, d time.Duration) {
	origin := from.Position()
	for _, to := range c.phys {
		if to == from {
			continue
		}
		dist := origin.DistanceTo(to.Position())
		power := c.RxPowerDbm(from, to)
		delay := time.Duration(c.prop.DelaySeconds(dist) * float64(time.Second))
		rx := to
		copyPkt := pkt.Copy()
		c.sched.ScheduleAfter(delay, func() { rx.startReceive(copyPkt, d, power) })
	}
}
