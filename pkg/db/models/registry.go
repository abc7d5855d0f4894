package models

// All lists every persisted model, in dependency order. Tests use it to
// AutoMigrate SQLite; production schema comes from the goose migrations.
func All() []any {
	return []any{
		&Product{},
		&Order{},
		&OrderItem{},
		&Payment{},
		&ChatRoom{},
		&ChatMessage{},
		&OutboxEvent{},
	}
}
