package configdb

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VariableKey is global configuration variables that can be set on the system
type VariableKey string

const (
	// Set once the simulated streams have been created, so that we don't create them again after the user deletes them
	VarSimulatedStreamsSeeded VariableKey = "SimulatedStreamsSeeded"
)

// Returns the empty string if the variable has never been set
func (c *ConfigDB) GetVariable(key VariableKey) (string, error) {
	v := Variable{}
	err := c.DB.First(&v, "key = ?", string(key)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return v.Value, err
}

func (c *ConfigDB) SetVariable(key VariableKey, value string) error {
	return setVariable(c.DB, key, value)
}

func setVariable(tx *gorm.DB, key VariableKey, value string) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&Variable{Key: string(key), Value: value}).Error
}
