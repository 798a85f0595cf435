package integration_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/dlqworker"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/ingestion"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/storage"
)

const busWait = 10 * time.Second

// routedJob is what a test handler saw for one delivery.
type routedJob struct {
	eventType model.EventType
	metadata  model.MessageMetadata
	body      []byte
}

type jobRecorder struct {
	mu   sync.Mutex
	jobs []routedJob
	seen chan routedJob
}

func newJobRecorder() *jobRecorder {
	return &jobRecorder{seen: make(chan routedJob, 16)}
}

func (r *jobRecorder) handler(err error) ingestion.EventHandler {
	return func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
		job := routedJob{eventType: eventType, metadata: *metadata, body: rawEvent}
		r.mu.Lock()
		r.jobs = append(r.jobs, job)
		r.mu.Unlock()
		r.seen <- job
		return err
	}
}

func (r *jobRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// startBus wires the DLQ stream, the jobs consumer and a publisher against
// the suite's NATS container. Streams are deleted when the test ends.
func (s *IntegrationSuite) startBus(router *ingestion.Router) *ingestion.JetStreamPublisher {
	cfg := s.Config.NATS

	worker, err := dlqworker.NewWorker(s.Config, zaptest.NewLogger(s.T()), s.JSClient, router,
		storage.NewExhaustedEventRepoAdapter(s.Repo))
	s.Require().NoError(err, "Failed to set up DLQ stream")
	s.T().Cleanup(worker.Stop)

	consumer := ingestion.NewJobConsumer(s.JSClient, router, cfg.Jobs, cfg.DLQSubject)
	s.Require().NoError(consumer.Setup())
	s.Require().NoError(consumer.Start())

	s.T().Cleanup(func() {
		consumer.Stop()
		nc, err := nats.Connect(s.NATSURL)
		if err != nil {
			return
		}
		defer nc.Close()
		if js, err := nc.JetStream(); err == nil {
			_ = js.DeleteStream(cfg.Jobs.Stream)
			_ = js.DeleteStream(cfg.DLQStream)
		}
	})
	return ingestion.NewJetStreamPublisher(s.JSClient)
}

func (s *IntegrationSuite) waitJob(rec *jobRecorder) routedJob {
	select {
	case job := <-rec.seen:
		return job
	case <-time.After(busWait):
		s.FailNow("job was not routed in time")
	}
	return routedJob{}
}

func (s *IntegrationSuite) TestBus_PublishRoutesWithClient() {
	rec := newJobRecorder()
	router := ingestion.NewRouter()
	router.Register(model.V1JobCampaign, rec.handler(nil))
	publisher := s.startBus(router)

	payload := model.JobPayload{Job: model.V1JobCampaign, CampaignID: "camp-1"}
	s.Require().NoError(publisher.Publish(s.Ctx, model.V1JobCampaign, "client-1", payload, "campaign:camp-1"))

	job := s.waitJob(rec)
	s.Equal(model.V1JobCampaign, job.eventType)
	s.Equal("client-1", job.metadata.ClientID)
	s.Equal("campaign:camp-1", job.metadata.MessageID)

	var got model.JobPayload
	s.Require().NoError(json.Unmarshal(job.body, &got))
	s.Equal("camp-1", got.CampaignID)
}

func (s *IntegrationSuite) TestBus_DuplicateMsgIDDeliveredOnce() {
	rec := newJobRecorder()
	router := ingestion.NewRouter()
	router.Register(model.V1JobNudgeScan, rec.handler(nil))
	publisher := s.startBus(router)

	payload := model.JobPayload{Job: model.V1JobNudgeScan, ScheduledFor: time.Now().UTC().Truncate(time.Minute)}
	msgID := "nudge_scan:" + payload.ScheduledFor.Format(time.RFC3339)
	for i := 0; i < 3; i++ {
		s.Require().NoError(publisher.Publish(s.Ctx, model.V1JobNudgeScan, "", payload, msgID))
	}

	s.waitJob(rec)
	// Leave room for a redelivery of a duplicate to show up.
	time.Sleep(time.Second)
	s.Equal(1, rec.count())
}

func (s *IntegrationSuite) TestBus_FatalErrorGoesToDLQ() {
	nc, err := nats.Connect(s.NATSURL)
	s.Require().NoError(err)
	defer nc.Close()
	dead := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe(s.Config.NATS.DLQSubject+".>", dead)
	s.Require().NoError(err)
	defer func() { _ = sub.Unsubscribe() }()

	rec := newJobRecorder()
	router := ingestion.NewRouter()
	router.Register(model.V1JobCampaign, rec.handler(apperrors.NewFatal(apperrors.ErrNotFound, "campaign %s", "camp-x")))
	publisher := s.startBus(router)

	payload := model.JobPayload{Job: model.V1JobCampaign, CampaignID: "camp-x"}
	s.Require().NoError(publisher.Publish(s.Ctx, model.V1JobCampaign, "client-9", payload, "campaign:camp-x"))
	s.waitJob(rec)

	select {
	case msg := <-dead:
		s.Equal(s.Config.NATS.DLQSubject+".client-9", msg.Subject)
		var dlq model.DLQPayload
		s.Require().NoError(json.Unmarshal(msg.Data, &dlq))
		s.Equal(model.V1JobCampaign.Subject("client-9"), dlq.SourceSubject)
		s.Equal("client-9", dlq.ClientID)
		s.Equal("fatal", dlq.ErrorType)
		s.EqualValues(1, dlq.RetryCount)
	case <-time.After(busWait):
		s.FailNow("job was not dead-lettered")
	}
	s.Equal(1, rec.count(), "fatal errors must not be redelivered")
}
