package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- CONTENT ITEM TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS content_item SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS owner_id ON content_item TYPE string;
    DEFINE FIELD IF NOT EXISTS type ON content_item TYPE string
        ASSERT $value IN ["text", "url", "document", "image", "audio"];
    DEFINE FIELD IF NOT EXISTS source_ref ON content_item TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS title ON content_item TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS raw_text ON content_item TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS content_text ON content_item TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS meta_info ON content_item TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS processing_status ON content_item TYPE string DEFAULT "pending"
        ASSERT $value IN ["pending", "processing", "completed", "failed"];
    DEFINE FIELD IF NOT EXISTS error_message ON content_item TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON content_item TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON content_item TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS content_item_owner ON content_item FIELDS owner_id;
    DEFINE INDEX IF NOT EXISTS content_item_status ON content_item FIELDS processing_status;

    -- ==========================================================================
    -- PROCESSING JOB TABLE (one row per pipeline invocation)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS processing_job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS content_id ON processing_job TYPE string;
    DEFINE FIELD IF NOT EXISTS processor_name ON processing_job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS status ON processing_job TYPE string DEFAULT "pending"
        ASSERT $value IN ["pending", "in_progress", "completed", "failed", "skipped"];
    DEFINE FIELD IF NOT EXISTS parameters ON processing_job TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS result ON processing_job TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS error_message ON processing_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS started_at ON processing_job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS completed_at ON processing_job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS created_at ON processing_job TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS processing_job_content ON processing_job FIELDS content_id;

    -- ==========================================================================
    -- CONTENT CHUNK TABLE (replaced wholesale per successful run)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS content_chunk SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS content_id ON content_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS chunk_index ON content_chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS content ON content_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS chunk_type ON content_chunk TYPE string
        ASSERT $value IN ["heading", "paragraph", "code_block", "table", "list"];
    DEFINE FIELD IF NOT EXISTS word_count ON content_chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS char_count ON content_chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS metadata ON content_chunk TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created_at ON content_chunk TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS content_chunk_order ON content_chunk FIELDS content_id, chunk_index UNIQUE;

    -- ==========================================================================
    -- CONTENT ASSET TABLE (append-only)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS content_asset SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS content_id ON content_asset TYPE string;
    DEFINE FIELD IF NOT EXISTS kind ON content_asset TYPE string;
    DEFINE FIELD IF NOT EXISTS locator ON content_asset TYPE string;
    DEFINE FIELD IF NOT EXISTS mime_type ON content_asset TYPE string;
    DEFINE FIELD IF NOT EXISTS size ON content_asset TYPE int;
    DEFINE FIELD IF NOT EXISTS created_at ON content_asset TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS content_asset_content ON content_asset FIELDS content_id;
`
