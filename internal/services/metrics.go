package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobpilot_streams_started_total",
		Help: "Number of agent streams started.",
	})
	metricStreamsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobpilot_streams_finished_total",
		Help: "Number of agent streams finished, by outcome.",
	}, []string{"outcome"})
	metricToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobpilot_tool_executions_total",
		Help: "Number of tool executions, by tool and outcome.",
	}, []string{"tool", "outcome"})
	metricTokensConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobpilot_tokens_consumed_total",
		Help: "Tokens reported by the completion API, by direction.",
	}, []string{"direction"})
)
