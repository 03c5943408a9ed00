package logic

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fedibot/shared"
)

type IMetrics interface {
	StartApubRequestIn(label string) IRequestObserver
	StartApubRequestOut(label string) IRequestObserver
	StartApiRequestIn(label string) IRequestObserver
	ActivityHandled(label string)
	MentionSaved()
	NotePublished()
	DeliverySent()
	DeliveryFailed()
	ServiceStarted()
	TotalFollowers(count int)
	DeliveryQueueLength(length int)
}

type IRequestObserver interface {
	Finish()
}

type metrics struct {
	cfg                 *shared.Config
	apubRequestsIn      *prometheus.HistogramVec
	apubRequestsOut     *prometheus.HistogramVec
	apiRequestsIn       *prometheus.HistogramVec
	activitiesHandled   *prometheus.CounterVec
	mentionsSaved       prometheus.Counter
	notesPublished      prometheus.Counter
	deliveriesSent      prometheus.Counter
	deliveriesFailed    prometheus.Counter
	serviceStarted      prometheus.Counter
	totalFollowers      prometheus.Gauge
	deliveryQueueLength prometheus.Gauge
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

	res.apiRequestsIn = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "api_requests_in_duration",
		Help: "Duration in seconds of API requests served.",
	}, []string{"label"})
	prometheus.Register(res.apiRequestsIn)

	res.activitiesHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activities_handled",
		Help: "Number of inbound activities handled, by type",
	}, []string{"label"})
	prometheus.Register(res.activitiesHandled)

	res.mentionsSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mentions_saved",
		Help: "Number of inbound mention notes saved",
	})
	prometheus.Register(res.mentionsSaved)

	res.notesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notes_published",
		Help: "Number of notes published by local actors",
	})
	prometheus.Register(res.notesPublished)

	res.deliveriesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deliveries_sent",
		Help: "Number of signed activities delivered",
	})
	prometheus.Register(res.deliveriesSent)

	res.deliveriesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deliveries_failed",
		Help: "Number of deliveries abandoned after retries",
	})
	prometheus.Register(res.deliveriesFailed)

	res.serviceStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "service_started",
		Help: "Service has started up",
	})
	prometheus.Register(res.serviceStarted)

	res.totalFollowers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "total_follower_count",
		Help: "Total follower count of local actors",
	})
	prometheus.Register(res.totalFollowers)

	res.deliveryQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delivery_queue_length",
		Help: "Items in delivery queue",
	})
	prometheus.Register(res.deliveryQueueLength)

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

func (m *metrics) StartApiRequestIn(label string) IRequestObserver {
	return &requestObserver{label, time.Now(), m.apiRequestsIn}
}

func (m *metrics) ActivityHandled(label string) {
	m.activitiesHandled.WithLabelValues(label).Add(1)
}

func (m *metrics) MentionSaved() {
	m.mentionsSaved.Add(1)
}

func (m *metrics) NotePublished() {
	m.notesPublished.Add(1)
}

func (m *metrics) DeliverySent() {
	m.deliveriesSent.Add(1)
}

func (m *metrics) DeliveryFailed() {
	m.deliveriesFailed.Add(1)
}

func (m *metrics) ServiceStarted() {
	m.serviceStarted.Add(1)
}

func (m *metrics) TotalFollowers(count int) {
	m.totalFollowers.Set(float64(count))
}

func (m *metrics) DeliveryQueueLength(length int) {
	m.deliveryQueueLength.Set(float64(length))
}
