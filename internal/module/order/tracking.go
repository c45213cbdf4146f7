package order

// TrackingStage is one step of the customer-facing progress bar.
type TrackingStage struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
}

// TrackingView is the derived progress of an order.
type TrackingView struct {
	Status       OrderStatus     `json:"status"`
	CurrentIndex int             `json:"current_index"`
	Stages       []TrackingStage `json:"stages"`
}

var trackingStages = []struct {
	key      string
	label    string
	statuses []OrderStatus
}{
	{"placed", "Order placed", []OrderStatus{OrderStatusPending}},
	{"confirmed", "Payment confirmed", []OrderStatus{OrderStatusPaymentConfirmed}},
	{"processing", "Processing", []OrderStatus{OrderStatusProcessing}},
	{"ready", "Ready to ship", []OrderStatus{OrderStatusReadyToShip}},
	{"shipped", "Shipped", []OrderStatus{OrderStatusShipped}},
	{"out_for_delivery", "Out for delivery", []OrderStatus{OrderStatusOutForDelivery}},
	{"delivered", "Delivered", []OrderStatus{OrderStatusDelivered}},
}

// GetTrackingStage derives the progress view for status. Statuses off the
// happy path (failed, cancelled, returned, refunded) map to the first stage.
func GetTrackingStage(status OrderStatus) TrackingView {
	current := 0
	for i, st := range trackingStages {
		for _, s := range st.statuses {
			if s == status {
				current = i
			}
		}
	}

	stages := make([]TrackingStage, len(trackingStages))
	for i, st := range trackingStages {
		stages[i] = TrackingStage{
			Key:       st.key,
			Label:     st.label,
			Completed: i < current || (i == current && status == OrderStatusDelivered),
			Current:   i == current,
		}
	}

	return TrackingView{
		Status:       status,
		CurrentIndex: current,
		Stages:       stages,
	}
}
