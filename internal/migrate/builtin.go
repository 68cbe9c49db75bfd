package migrate

import (
	"context"
	"fmt"
)

// builtin holds the migrations that need existence checks Dolt cannot
// express in DDL.
var builtin = []Migration{
	{ID: "0008_property_single_variant", Apply: propertySingleVariant},
	{ID: "0009_drop_block_metadata_column", Apply: dropBlockMetadataColumn},
}

// propertySingleVariant adds the exactly-one-value check to
// block_properties. Dolt has no ADD CONSTRAINT IF NOT EXISTS.
func propertySingleVariant(ctx context.Context, r *Runner) error {
	const name = "chk_properties_single_variant"
	ok, err := r.ConstraintExists(ctx, "block_properties", name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return r.Exec(ctx, fmt.Sprintf(`ALTER TABLE block_properties ADD CONSTRAINT %s CHECK (
		(property_value_text IS NOT NULL) +
		(property_value_number IS NOT NULL) +
		(property_value_json IS NOT NULL) = 1)`, name))
}

// dropBlockMetadataColumn removes the blob column that held metadata before
// it moved to block_properties.
func dropBlockMetadataColumn(ctx context.Context, r *Runner) error {
	ok, err := r.ColumnExists(ctx, "memory_blocks", "metadata")
	if err != nil || !ok {
		return err
	}
	return r.ExecIgnoring(ctx, "ALTER TABLE memory_blocks DROP COLUMN metadata", "check that column", "doesn't exist", "no such column")
}
