package models

import "time"

type Role string

const (
	RoleConsumer Role = "consumer"
	RoleProvider Role = "provider"
)

// Counterpart returns the other negotiating role.
func (r Role) Counterpart() Role {
	if r == RoleConsumer {
		return RoleProvider
	}
	return RoleConsumer
}

func (r Role) Valid() bool { return r == RoleConsumer || r == RoleProvider }

type TripStatus string

const (
	StatusCreated    TripStatus = "created"
	StatusInProgress TripStatus = "inProgress"
	StatusCompleted  TripStatus = "completed"
	StatusCancelled  TripStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TripStatus) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

type BiddingStatus string

const (
	BiddingNotStarted BiddingStatus = "notStarted"
	BiddingStarted    BiddingStatus = "started"
	BiddingAccepted   BiddingStatus = "accepted"
)

type Milestone string

const (
	MilestoneGoodsReceipt Milestone = "grAccepted"
	MilestoneBill         Milestone = "billAccepted"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

type CargoDetails struct {
	Type       string  `json:"type"`
	WeightKg   float64 `json:"weight"`
	Dimensions string  `json:"dimensions,omitempty"`
	QuotePrice float64 `json:"quotePrice"`
}

// Bid is one party's price proposal. Providers ask with Price, consumers
// counter with ReducedPrice; exactly one of them is set.
type Bid struct {
	Role         Role      `json:"role"`
	UserID       string    `json:"userId"`
	Price        float64   `json:"price,omitempty"`
	ReducedPrice float64   `json:"reducedPrice,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// Amount is the offered price regardless of which side made it.
func (b Bid) Amount() float64 {
	if b.Role == RoleConsumer {
		return b.ReducedPrice
	}
	return b.Price
}

type TransactionType string

const (
	Credit TransactionType = "credit"
	Debit  TransactionType = "debit"
)

type Transaction struct {
	ID               string          `json:"id"`
	TripID           string          `json:"tripId,omitempty"`
	UserID           string          `json:"userId"`
	Stage            string          `json:"stage,omitempty"`
	PaymentPercent   int             `json:"paymentPercent,omitempty"`
	Amount           float64         `json:"amount"`
	GatewayPaymentID string          `json:"razorpay_payment_id,omitempty"`
	GatewayOrderID   string          `json:"razorpay_order_id,omitempty"`
	Type             TransactionType `json:"type"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Milestones records the fulfilment checkpoints and who confirmed them.
type Milestones struct {
	GoodsReceiptAccepted bool       `json:"grAccepted"`
	GoodsReceiptBy       string     `json:"grAcceptedBy,omitempty"`
	GoodsReceiptAt       *time.Time `json:"grAcceptedAt,omitempty"`
	BillAccepted         bool       `json:"billAccepted"`
	BillBy               string     `json:"billAcceptedBy,omitempty"`
	BillAt               *time.Time `json:"billAcceptedAt,omitempty"`
}

type Trip struct {
	ID               string        `json:"id"`
	ConsumerID       string        `json:"consumerId"`
	ProviderID       string        `json:"providerId,omitempty"`
	From             string        `json:"from"`
	To               string        `json:"to"`
	Pickup           Coord         `json:"pickup"`
	Drop             Coord         `json:"drop"`
	Cargo            CargoDetails  `json:"cargoDetails"`
	TripDate         time.Time     `json:"tripDate"`
	Status           TripStatus    `json:"status"`
	BiddingStatus    BiddingStatus `json:"biddingStatus"`
	BiddingStartTime *time.Time    `json:"biddingStartTime,omitempty"`
	Bids             []Bid         `json:"bids"`
	FinalPrice       float64       `json:"finalPrice,omitempty"`
	Transactions     []Transaction `json:"transactions"`
	Milestones       Milestones    `json:"milestones"`
	CancelReason     string        `json:"cancelReason,omitempty"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share the Bid or Transaction
// backing arrays with the authoritative copy.
func (t *Trip) Clone() *Trip {
	c := *t
	c.Bids = append([]Bid(nil), t.Bids...)
	c.Transactions = append([]Transaction(nil), t.Transactions...)
	if t.BiddingStartTime != nil {
		ts := *t.BiddingStartTime
		c.BiddingStartTime = &ts
	}
	c.Milestones.GoodsReceiptAt = copyTime(t.Milestones.GoodsReceiptAt)
	c.Milestones.BillAt = copyTime(t.Milestones.BillAt)
	return &c
}

func copyTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}

// LastBid returns the most recent bid, if any.
func (t *Trip) LastBid() (Bid, bool) {
	if len(t.Bids) == 0 {
		return Bid{}, false
	}
	return t.Bids[len(t.Bids)-1], true
}

// LastBidBy returns the most recent bid submitted by role.
func (t *Trip) LastBidBy(role Role) (Bid, bool) {
	for i := len(t.Bids) - 1; i >= 0; i-- {
		if t.Bids[i].Role == role {
			return t.Bids[i], true
		}
	}
	return Bid{}, false
}

// HasStagePaid reports whether a transaction for stage is already recorded.
func (t *Trip) HasStagePaid(stage string) bool {
	for _, tx := range t.Transactions {
		if tx.Stage == stage {
			return true
		}
	}
	return false
}

type Wallet struct {
	UserID       string        `json:"userId"`
	Balance      float64       `json:"balance"`
	Transactions []Transaction `json:"transactions"`
}

// BalanceOf recomputes a balance from an append-only transaction list.
func BalanceOf(txs []Transaction) float64 {
	var b float64
	for _, tx := range txs {
		switch tx.Type {
		case Credit:
			b += tx.Amount
		case Debit:
			b -= tx.Amount
		}
	}
	return b
}

type Position struct {
	UserID    string    `json:"userId"`
	Loc       Coord     `json:"loc"`
	UpdatedAt time.Time `json:"updatedAt"`
}
