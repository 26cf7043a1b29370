package staging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/stagehand-ci/stagehand/internal/logfields"
)

const metricNamespace = "stagehand"

const (
	stagingsMetricName    = "stagings_total"
	mergedPRsMetricName   = "merged_prs_total"
	commandsMetricName    = "commands_total"
	statusEventMetricName = "processed_status_events_total"
)

const (
	targetLabel     = "target"
	resultLabel     = "result"
	repositoryLabel = "repository"
)

type stagingResultVal string

const (
	stagingResultMerged    stagingResultVal = "merged"
	stagingResultFailed    stagingResultVal = "failed"
	stagingResultSplit     stagingResultVal = "split"
	stagingResultFFFailed  stagingResultVal = "ff_failed"
	stagingResultCancelled stagingResultVal = "cancelled"
)

type commandResultVal string

const (
	commandResultApplied  commandResultVal = "applied"
	commandResultRejected commandResultVal = "rejected"
)

type metricCollector struct {
	logger       *zap.Logger
	stagings     *prometheus.CounterVec
	mergedPRs    *prometheus.CounterVec
	commands     *prometheus.CounterVec
	statusEvents prometheus.Counter
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named("staging").Named("metrics"),
		stagings: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      stagingsMetricName,
				Help:      "count of finished stagings by result",
			},
			[]string{targetLabel, resultLabel},
		),
		mergedPRs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      mergedPRsMetricName,
				Help:      "count of merged pull requests",
			},
			[]string{repositoryLabel},
		),
		commands: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      commandsMetricName,
				Help:      "count of interpreted pull request comments",
			},
			[]string{resultLabel},
		),
		statusEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      statusEventMetricName,
				Help:      "count of processed commit status events",
			},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) StagingFinishedInc(target string, result stagingResultVal) {
	cnt, err := m.stagings.GetMetricWith(prometheus.Labels{
		targetLabel: target,
		resultLabel: string(result),
	})
	if err != nil {
		m.logGetMetricFailed(stagingsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) MergedPRsInc(repository string) {
	cnt, err := m.mergedPRs.GetMetricWith(prometheus.Labels{
		repositoryLabel: repository,
	})
	if err != nil {
		m.logGetMetricFailed(mergedPRsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) CommandsInc(result commandResultVal) {
	cnt, err := m.commands.GetMetricWith(prometheus.Labels{
		resultLabel: string(result),
	})
	if err != nil {
		m.logGetMetricFailed(commandsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) StatusEventsInc() {
	m.statusEvents.Inc()
}
