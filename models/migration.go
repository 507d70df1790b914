package models

import (
	"log"

	"bitbucket.org/gridfocus/settlements_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&SettlementFact{},
		&ModelCalculation{},
		&DailySummary{}, &MonthlySummary{}, &YearlySummary{},
		&ModelDailySummary{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
