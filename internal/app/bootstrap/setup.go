package bootstrap

import (
	"fmt"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"

	"trafficguard/internal/apisix"
	"trafficguard/internal/auth"
	"trafficguard/internal/blacklist"
	"trafficguard/internal/config"
	"trafficguard/internal/database"
	"trafficguard/internal/support"
)

// Services holds the wired components the HTTP layer depends on.
type Services struct {
	Gateway   *apisix.Client
	Blacklist *blacklist.Manager
	// Audit is nil unless DB_HOST is configured.
	Audit     *database.AuditLog
	// Auth is nil unless AUTH_JWT_SECRET is configured.
	Auth      *auth.Authenticator

	closers []func() error
}

// Setup builds the gateway client and the blacklist manager. Writes are always
// serialized in-process; with a Redis URL they are also serialized across
// replicas sharing that Redis.
func Setup(settings config.Settings) (*Services, error) {
	gateway := apisix.NewClient(settings.AdminURL, settings.AdminKey, settings.Timeout)

	var (
		locker  blacklist.Locker = support.NewLocalLock()
		closers []func() error
	)

	if settings.RedisURL != "" {
		client, err := support.GetRedisClient(settings.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get redis client: %w", err)
		}
		closers = append(closers, support.CloseRedisClient)
		locker = support.LockChain{locker, support.NewRedisLock(client, support.DefaultLockTTL)}
		log.Info("Blacklist writes serialized through redis")
	} else {
		log.Warn("REDIS_URL not set: blacklist writes are only serialized within this process")
	}

	log.Debug("Gateway admin API configured", "url", settings.AdminURL, "timeout", settings.Timeout)

	services := &Services{
		Gateway:   gateway,
		Blacklist: blacklist.NewManager(gateway, locker),
		Auth:      auth.NewAuthenticator(settings.JWTSecret),
		closers:   closers,
	}
	if services.Auth == nil {
		log.Warn("AUTH_JWT_SECRET not set: API endpoints are unauthenticated")
	}

	if database.Enabled() {
		db, err := database.SetupDB()
		if err != nil {
			services.Close()
			return nil, fmt.Errorf("failed to set up audit database: %w", err)
		}
		services.addDatabaseCloser(db)
		services.Audit = database.NewAuditLog(db)
		services.Blacklist.WithAudit(services.Audit)
		log.Info("Blacklist audit log enabled")
	}

	return services, nil
}

// addDatabaseCloser closes the pool behind db on shutdown.
func (s *Services) addDatabaseCloser(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB, pool will not be closed on shutdown", "error", err)
		return
	}
	s.closers = append(s.closers, sqlDB.Close)
}

func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn("error closing service", "error", err)
		}
	}
}
