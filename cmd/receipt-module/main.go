// Точка входа Receipt Module — платежи тесорерии и контроль безопасности
// прикреплённых квитанций. Загружает конфигурацию, применяет миграции,
// подключается к PostgreSQL, собирает политику проверки файлов и сервисы,
// запускает фоновый проход карантина и topologymetrics, HTTP-сервер
// с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/scoutledger/receipt-module/internal/api/handlers"
	"github.com/scoutledger/receipt-module/internal/api/middleware"
	"github.com/scoutledger/receipt-module/internal/api/openapi"
	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/database"
	"github.com/scoutledger/receipt-module/internal/domain/rbac"
	"github.com/scoutledger/receipt-module/internal/filesecurity"
	"github.com/scoutledger/receipt-module/internal/repository"
	"github.com/scoutledger/receipt-module/internal/server"
	"github.com/scoutledger/receipt-module/internal/service"
	"github.com/scoutledger/receipt-module/internal/storage/filestore"
)

func main() {
	// 1. Конфигурация из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Логирование
	logger := config.SetupLogger(cfg)
	logger.Info("Receipt Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)
	policy := cfg.FileSecurity

	// 3. Миграции БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 pgxpool → *sql.DB для topologymetrics: проверка идёт через тот же пул
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Файловое хранилище
	files, err := filestore.New(cfg.UploadsDir, cfg.QuarantineDir, cfg.StagingDir)
	if err != nil {
		logger.Error("Ошибка инициализации файлового хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Политика проверки файлов; антивирус опционален
	var scanner filesecurity.MalwareScanner
	if policy.ClamAVURL != "" {
		clam := filesecurity.NewClamAV(policy.ClamAVURL, logger)
		if pingErr := clam.Ping(); pingErr != nil {
			// clamd может подняться позже; до тех пор проверка пропускается
			logger.Warn("clamd недоступен при старте",
				slog.String("address", policy.ClamAVURL),
				slog.String("error", pingErr.Error()),
			)
		}
		scanner = clam
	}
	validator, err := filesecurity.NewValidator(policy, scanner, logger)
	if err != nil {
		logger.Error("Ошибка создания валидатора файлов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Политика проверки файлов загружена",
		slog.Int("max_concurrent_validations", policy.MaxConcurrentValidations),
		slog.String("validation_timeout", policy.ValidationTimeout.String()),
		slog.String("quarantine_retention", policy.QuarantineRetention.String()),
		slog.Bool("antivirus", scanner != nil),
	)

	// 7. Repositories и сервисы
	store := repository.NewStore(pool)
	duplicates := service.NewDuplicateIndex(policy.DuplicateCacheSize, policy.DuplicateCacheTTL)
	intakeSvc := service.NewIntakeService(
		store, files, validator,
		filesecurity.NewAdmission(policy.MaxConcurrentValidations),
		duplicates,
		logger,
	)
	paymentsSvc := service.NewPaymentService(store, intakeSvc, files, logger)
	reviewSvc := service.NewReviewService(store, files, duplicates, policy, logger)
	sweepSvc := service.NewSweepService(store, files, duplicates, policy, logger)

	// 8. Readiness checkers (PostgreSQL + Keycloak)
	pgChecker := database.NewReadinessChecker(pool)
	kcChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.JWKSCACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания Keycloak readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(pgChecker, kcChecker),
		paymentsSvc, intakeSvc, reviewSvc, sweepSvc,
		handlers.Options{
			MaxUploadSize: cfg.MaxUploadSize,
			RetryAfter:    policy.ValidationTimeout,
		},
		logger,
	)

	// 9. JWT middleware и проверка запросов по контракту
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTOptions{
		JWKSURL:    cfg.JWTJWKSURL,
		CACertPath: cfg.JWKSCACertPath,
		Issuer:     cfg.JWTIssuer,
		Groups: rbac.GroupMapping{
			Admin:     cfg.RoleAdminGroups,
			Treasurer: cfg.RoleTreasurerGroups,
			Readonly:  cfg.RoleReadonlyGroups,
		},
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		Leeway:          cfg.JWTLeeway,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	doc, err := openapi.Load()
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}
	reqValidator, err := middleware.NewRequestValidator(doc, logger)
	if err != nil {
		logger.Error("Ошибка создания OpenAPI валидатора", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 10. Фоновые задачи
	sweepSvc.Start(ctx)

	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "receipt-module",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PostgresURL:   cfg.DatabaseURL(),
		JWKSURL:       cfg.JWTJWKSURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 11. HTTP-сервер (блокирует до сигнала завершения)
	srv := server.New(cfg, logger, server.NewRouter(logger, apiHandler, jwtAuth, reqValidator))
	runErr := srv.Run()

	// 12. Остановка фоновых задач
	sweepSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("Receipt Module остановлен")
}
