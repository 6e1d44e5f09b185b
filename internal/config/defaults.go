package config

import (
	"os"

	"github.com/spf13/viper"

	"github.com/openclearing/hubd/internal/engine/clearing"
	"github.com/openclearing/hubd/internal/engine/drift"
	"github.com/openclearing/hubd/internal/engine/payment"
	"github.com/openclearing/hubd/internal/orchestrator"
	"github.com/openclearing/hubd/internal/router"
	"github.com/openclearing/hubd/internal/rpc"
	"github.com/openclearing/hubd/internal/storage"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "hubd")
	v.SetDefault("node.scenario_file", "")
	v.SetDefault("node.standalone", false)
	v.SetDefault("node.debug", false)

	db := storage.DefaultConfig()
	v.SetDefault("database.driver", db.Driver)
	v.SetDefault("database.dsn", db.DSN)
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime)
	v.SetDefault("database.default_timeout", db.DefaultTimeout)

	rt := router.DefaultConfig()
	v.SetDefault("router.k_max", rt.KMax)
	v.SetDefault("router.hop_max", rt.HopMax)
	v.SetDefault("router.timeout", rt.Timeout)
	v.SetDefault("router.cache_size", rt.CacheSize)

	pay := payment.DefaultConfig()
	v.SetDefault("payment.deadline", pay.Deadline)
	v.SetDefault("payment.allow_splitting", pay.AllowSplitting)

	cl := clearing.DefaultConfig()
	v.SetDefault("clearing.cycle_len_max", cl.CycleLenMax)
	v.SetDefault("clearing.deep_cycle_len_max", cl.DeepCycleLenMax)
	v.SetDefault("clearing.deep_every", cl.DeepEvery)
	v.SetDefault("clearing.max_cycles_per_tick", cl.MaxCyclesPerTick)

	dr := drift.DefaultConfig()
	v.SetDefault("drift.growth_bps", dr.GrowthBps)
	v.SetDefault("drift.growth_window", dr.GrowthWindow)
	v.SetDefault("drift.growth_min_events", dr.GrowthMinEvents)
	v.SetDefault("drift.limit_max", int64(dr.LimitMax))
	v.SetDefault("drift.decay_bps", dr.DecayBps)
	v.SetDefault("drift.idle_ticks", dr.IdleTicks)
	v.SetDefault("drift.limit_min", int64(dr.LimitMin))

	v.SetDefault("bus.journal_dir", "journal")
	v.SetDefault("bus.subscriber_buffer", 256)

	tick := orchestrator.DefaultConfig()
	v.SetDefault("tick.tick_interval", tick.TickInterval)
	v.SetDefault("tick.tick_budget", tick.TickBudget)
	v.SetDefault("tick.queue_size", tick.QueueSize)
	v.SetDefault("tick.ping_interval", tick.PingInterval)

	srv := rpc.DefaultConfig()
	v.SetDefault("server.listen_addr", srv.ListenAddr)
	v.SetDefault("server.request_timeout", srv.RequestTimeout)
}

const exampleConfig = `# hubd configuration

[node]
name = "hubd"
# scenario_file = "scenario.json"
standalone = false
debug = false

[database]
driver = "sqlite"          # postgres | sqlite | memory
dsn = "hubd.db"
max_open_conns = 8
max_idle_conns = 4

[router]
k_max = 4
hop_max = 6
timeout = "500ms"
cache_size = 64

[payment]
deadline = "2s"
allow_splitting = true

[clearing]
cycle_len_max = 4
deep_cycle_len_max = 6
deep_every = 10
max_cycles_per_tick = 32

[drift]
growth_bps = 500
growth_window = 50
growth_min_events = 3
decay_bps = 1000
idle_ticks = 10
limit_min = 0

[bus]
journal_dir = "journal"
subscriber_buffer = 256

[tick]
tick_interval = "1s"
tick_budget = "800ms"
queue_size = 128

[server]
listen_addr = "127.0.0.1:8090"
request_timeout = "5s"
`

// SaveExampleConfig writes an annotated example configuration.
func SaveExampleConfig(path string) error {
	return os.WriteFile(path, []byte(exampleConfig), 0o644)
}
