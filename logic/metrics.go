package logic

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gatherpub/shared"
)

type IMetrics interface {
	StartApubRequestIn(label string) IRequestObserver
	StartApubRequestOut(label string) IRequestObserver
	ActivityAccepted(activityType, outcome string)
	InboxDispatchFailed()
	EventPublished()
	FeedRequested(label string)
	DeliveryFailed()
	DeliveryQueueLength(length int)
	TotalFollowers(count int)
	ServiceStarted()
}

type IRequestObserver interface {
	Finish()
}

type metrics struct {
	cfg                 *shared.Config
	apubRequestsIn      *prometheus.HistogramVec
	apubRequestsOut     *prometheus.HistogramVec
	activitiesAccepted  *prometheus.CounterVec
	inboxDispatchFails  prometheus.Counter
	eventsPublished     prometheus.Counter
	feedsRequested      *prometheus.CounterVec
	deliveriesFailed    prometheus.Counter
	deliveryQueueLength prometheus.Gauge
	totalFollowers      prometheus.Gauge
	serviceStarted      prometheus.Counter
}

func NewMetrics(cfg *shared.Config) IMetrics {

	res := metrics{}
	res.cfg = cfg

	res.apubRequestsIn = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "apub_requests_in_duration",
		Help: "Duration in seconds of ActivityPub requests served.",
	}, []string{"label"})
	prometheus.Register(res.apubRequestsIn)

	res.apubRequestsOut = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "apub_requests_out_duration",
		Help: "Duration in seconds of ActivityPub requests made.",
	}, []string{"label"})
	prometheus.Register(res.apubRequestsOut)

	res.activitiesAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activities_processed",
		Help: "Number of inbound activities, by type and outcome",
	}, []string{"type", "outcome"})
	prometheus.Register(res.activitiesAccepted)

	res.inboxDispatchFails = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_dispatch_failures",
		Help: "Number of accepted activities whose async processing failed",
	})
	prometheus.Register(res.inboxDispatchFails)

	res.eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_published",
		Help: "Number of events published",
	})
	prometheus.Register(res.eventsPublished)

	res.feedsRequested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feeds_requested",
		Help: "Number of feeds requested",
	}, []string{"label"})
	prometheus.Register(res.feedsRequested)

	res.deliveriesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deliveries_failed",
		Help: "Number of deliveries that failed and got queued for retry",
	})
	prometheus.Register(res.deliveriesFailed)

	res.deliveryQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delivery_queue_length",
		Help: "Items in delivery retry queue",
	})
	prometheus.Register(res.deliveryQueueLength)

	res.totalFollowers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "total_follower_count",
		Help: "Total follower count of local accounts",
	})
	prometheus.Register(res.totalFollowers)

	res.serviceStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "service_started",
		Help: "Service has started up",
	})
	prometheus.Register(res.serviceStarted)

	return &res
}

type requestObserver struct {
	label string
	start time.Time
	hgvec *prometheus.HistogramVec
}

func (ro *requestObserver) Finish() {
	now := time.Now()
	elapsed := float64(now.UnixMilli()-ro.start.UnixMilli()) / 1000.0
	ro.hgvec.WithLabelValues(ro.label).Observe(elapsed)
}

func (m *metrics) StartApubRequestIn(label string) IRequestObserver {
	return &requestObserver{label, time.Now(), m.apubRequestsIn}
}

func (m *metrics) StartApubRequestOut(label string) IRequestObserver {
	return &requestObserver{label, time.Now(), m.apubRequestsOut}
}

func (m *metrics) ActivityAccepted(activityType, outcome string) {
	m.activitiesAccepted.WithLabelValues(activityType, outcome).Add(1)
}

func (m *metrics) InboxDispatchFailed() {
	m.inboxDispatchFails.Add(1)
}

func (m *metrics) EventPublished() {
	m.eventsPublished.Add(1)
}

func (m *metrics) FeedRequested(label string) {
	m.feedsRequested.WithLabelValues(label).Add(1)
}

func (m *metrics) DeliveryFailed() {
	m.deliveriesFailed.Add(1)
}

func (m *metrics) DeliveryQueueLength(length int) {
	m.deliveryQueueLength.Set(float64(length))
}

func (m *metrics) TotalFollowers(count int) {
	m.totalFollowers.Set(float64(count))
}

func (m *metrics) ServiceStarted() {
	m.serviceStarted.Add(1)
}
