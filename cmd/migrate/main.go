package main

import (
	"log"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"autorules/internal/config"
	"autorules/internal/models"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.AutomationRule{},
		&models.TaskLog{},
		&models.UserStatistic{},
		&models.OrgStatistic{},
		&models.UserQuota{},
		&models.OrgQuota{},
		&models.ThirdPartyAccount{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_task_log_dtable_trigger ON auto_rules_task_log(dtable_uuid, trigger_time)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rules_condition_valid ON dtable_automation_rules(run_condition, is_valid, is_pause)")
	log.Println("Indexes created")
}
