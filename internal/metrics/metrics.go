package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SocketFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomclient_socket_frames_total",
		Help: "Total number of signaling frames by direction",
	}, []string{"direction"}) // "in" | "out"

	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomclient_connections_total",
		Help: "Total number of signaling connection attempts by result",
	}, []string{"result"}) // "connected" | "failed"

	DisconnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomclient_disconnections_total",
		Help: "Total number of signaling disconnections by reason",
	}, []string{"reason"}) // "normal" | "error"

	PendingTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomclient_pending_transactions",
		Help: "Number of requests awaiting a final response",
	})

	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomclient_transactions_total",
		Help: "Total number of finished transactions by outcome",
	}, []string{"outcome"}) // "ok" | "error" | "timeout" | "reset"

	KeepalivesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomclient_keepalives_sent_total",
		Help: "Total number of keepalive messages sent",
	})

	RoomCreatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomclient_room_creates_total",
		Help: "Total number of create-room requests issued after a missing-room join",
	})

	RemoteFeeds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomclient_remote_feeds",
		Help: "Number of subscribed remote feeds",
	})

	NegotiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomclient_negotiations_total",
		Help: "Total number of offer/answer exchanges by role and result",
	}, []string{"role", "result"})

	RTPPacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomclient_rtp_packets_received_total",
		Help: "Total RTP packets read from remote tracks by kind",
	}, []string{"kind"})

	RTPBytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomclient_rtp_bytes_received_total",
		Help: "Total RTP payload bytes read from remote tracks by kind",
	}, []string{"kind"})
)
