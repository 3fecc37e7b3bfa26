package utils

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sevadaan/hundi-collect/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDatabase(host, user, password, dbname string, port int) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	// Log level per environment
	logLevel := logger.Info
	if os.Getenv("GO_ENV") == "production" {
		logLevel = logger.Error
	}

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			LogLevel: logLevel,
		},
	)

	var err error
	log.Printf("Attempting to connect to database: %s:%d/%s", host, port, dbname)

	// TranslateError turns driver duplicate-key failures into
	// gorm.ErrDuplicatedKey so the repositories can recognize them.
	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         newLogger,
		TranslateError: true,
	})

	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		log.Printf("Connection details: host=%s, port=%d, user=%s, dbname=%s", host, port, user, dbname)
		return err
	}

	log.Printf("Database connection successful!")

	sqlDB, err := DB.DB()
	if err != nil {
		log.Printf("Failed to get database: %v", err)
		return err
	}

	// Connection pool
	sqlDB.SetMaxIdleConns(15)
	sqlDB.SetMaxOpenConns(120)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	return nil
}

// MigrateDatabase creates or updates the schema for all models, including
// the composite unique index on donation records that backstops the
// one-record-per-donor-per-cycle invariant.
func MigrateDatabase() error {
	log.Println("Starting database migration...")
	err := DB.AutoMigrate(
		&models.Group{},
		&models.Donor{},
		&models.StatusHistoryEntry{},
		&models.DonationRecord{},
	)
	if err != nil {
		return err
	}
	log.Println("Database migration completed successfully!")
	return nil
}

// EnsureDefaultGroup creates the default roster group if it does not exist
// yet. This is an explicit setup step run once at startup, deliberately not
// a side effect of donor creation.
func EnsureDefaultGroup() (*models.Group, error) {
	var group models.Group
	err := DB.Where("name = ?", models.DefaultGroupName).First(&group).Error
	if err == nil {
		return &group, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	group = models.Group{
		Name:        models.DefaultGroupName,
		Description: "Default group for donors without an explicit assignment",
		IsActive:    true,
	}
	if err := DB.Create(&group).Error; err != nil {
		return nil, err
	}
	log.Printf("Created default donor group %q (id=%d)", group.Name, group.ID)
	return &group, nil
}
