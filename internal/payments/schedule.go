// Package payments releases a trip's agreed price in stages as the trip
// reaches its milestones.
package payments

import (
	"math"

	"github.com/example/freight-negotiation/internal/models"
)

type Stage string

const (
	StageBooking  Stage = "booking"
	StageMajority Stage = "majority"
	StageFinal    Stage = "final"
)

// Schedule holds the percentage of the final price collected at each stage.
type Schedule struct {
	BookingPercent  int
	MajorityPercent int
	FinalPercent    int
}

func DefaultSchedule() Schedule {
	return Schedule{BookingPercent: 10, MajorityPercent: 80, FinalPercent: 10}
}

func (s Schedule) Percent(stage Stage) int {
	switch stage {
	case StageBooking:
		return s.BookingPercent
	case StageMajority:
		return s.MajorityPercent
	case StageFinal:
		return s.FinalPercent
	}
	return 0
}

// Amount is the stage's share of the final price, rounded to the cent.
func (s Schedule) Amount(t *models.Trip, stage Stage) float64 {
	return math.Round(t.FinalPrice*float64(s.Percent(stage))) / 100
}

// NextDueStage returns the stage that must be paid next, if any. Stages are
// strictly sequential: each requires the previous one to be recorded, so an
// unpaid stage whose preconditions are unmet hides every later stage.
func (s Schedule) NextDueStage(t *models.Trip) (Stage, bool) {
	paid := func(st Stage) bool { return t.HasStagePaid(string(st)) }
	if t.BiddingStatus != models.BiddingAccepted || t.Status == models.StatusCancelled {
		return "", false
	}
	var (
		next  Stage
		ready bool
	)
	switch {
	case !paid(StageBooking):
		next, ready = StageBooking, t.Status != models.StatusCompleted
	case !paid(StageMajority):
		next, ready = StageMajority, t.Status == models.StatusInProgress && t.Milestones.GoodsReceiptAccepted
	case !paid(StageFinal):
		next, ready = StageFinal, (t.Status == models.StatusInProgress || t.Status == models.StatusCompleted) && t.Milestones.BillAccepted
	}
	if !ready {
		return "", false
	}
	return next, true
}
