package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS models (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    provider TEXT NOT NULL DEFAULT '',
    endpoint TEXT NOT NULL DEFAULT '',
    is_local INTEGER NOT NULL DEFAULT 0,
    max_context INTEGER NOT NULL DEFAULT 0,
    context_to_use INTEGER NOT NULL DEFAULT 0,
    input_cost REAL NOT NULL DEFAULT 0,
    output_cost REAL NOT NULL DEFAULT 0,
    daily_token_limit INTEGER NOT NULL DEFAULT 0,
    weekly_token_limit INTEGER NOT NULL DEFAULT 0,
    monthly_token_limit INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    no_tools INTEGER NOT NULL DEFAULT 0,
    note TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '',
    function_calling_score REAL NOT NULL DEFAULT 0,
    writer_score REAL NOT NULL DEFAULT 0,
    base_score REAL NOT NULL DEFAULT 0,
    texteval_score REAL NOT NULL DEFAULT 0,
    tts_score REAL NOT NULL DEFAULT 0,
    music_score REAL NOT NULL DEFAULT 0,
    fx_score REAL NOT NULL DEFAULT 0,
    ambient_score REAL NOT NULL DEFAULT 0,
    total_score REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS model_roles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    role TEXT NOT NULL,
    model_id INTEGER NOT NULL REFERENCES models(id) ON DELETE CASCADE,
    priority INTEGER NOT NULL DEFAULT 0,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    UNIQUE(role, model_id)
);

CREATE TABLE IF NOT EXISTS agents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    role TEXT NOT NULL,
    model_id INTEGER REFERENCES models(id) ON DELETE SET NULL,
    temperature REAL,
    top_p REAL,
    repeat_penalty REAL,
    top_k INTEGER,
    repeat_last_n INTEGER,
    num_predict INTEGER,
    prompt TEXT NOT NULL DEFAULT '',
    instructions TEXT NOT NULL DEFAULT '',
    skills TEXT NOT NULL DEFAULT '',
    multi_step_template_id INTEGER,
    voice_id TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    notes TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_agents_role ON agents(role);

CREATE TABLE IF NOT EXISTS step_templates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    task_type TEXT NOT NULL DEFAULT '',
    step_prompt TEXT NOT NULL DEFAULT '',
    instructions TEXT NOT NULL DEFAULT '',
    characters_step INTEGER NOT NULL DEFAULT 0,
    evaluation_steps TEXT NOT NULL DEFAULT '',
    trama_steps TEXT NOT NULL DEFAULT '',
    min_chars_trama INTEGER NOT NULL DEFAULT 0,
    min_chars_story INTEGER NOT NULL DEFAULT 0,
    full_story_step INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS task_types (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    code TEXT NOT NULL UNIQUE,
    default_executor_role TEXT NOT NULL DEFAULT '',
    default_checker_role TEXT NOT NULL DEFAULT '',
    output_merge_strategy TEXT NOT NULL DEFAULT 'last_only',
    validation_criteria TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS task_executions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_type TEXT NOT NULL,
    entity_id INTEGER,
    step_prompt TEXT NOT NULL DEFAULT '',
    initial_context TEXT NOT NULL DEFAULT '',
    current_step INTEGER NOT NULL DEFAULT 0,
    max_step INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    executor_agent_id INTEGER REFERENCES agents(id) ON DELETE SET NULL,
    checker_agent_id INTEGER REFERENCES agents(id) ON DELETE SET NULL,
    config TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_task_executions_active
    ON task_executions(entity_id, task_type)
    WHERE status IN ('pending', 'in_progress');

CREATE TABLE IF NOT EXISTS task_execution_steps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id INTEGER NOT NULL REFERENCES task_executions(id) ON DELETE CASCADE,
    step_number INTEGER NOT NULL,
    step_instruction TEXT NOT NULL DEFAULT '',
    step_output TEXT NOT NULL DEFAULT '',
    validation_result TEXT NOT NULL DEFAULT '',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL DEFAULT '',
    completed_at TEXT NOT NULL DEFAULT '',
    UNIQUE(execution_id, step_number)
);

CREATE TABLE IF NOT EXISTS story_statuses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    code TEXT NOT NULL UNIQUE,
    step INTEGER NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    operation_type TEXT NOT NULL DEFAULT '',
    agent_type TEXT NOT NULL DEFAULT '',
    function_name TEXT NOT NULL DEFAULT '',
    caption_to_execute TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS stories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id INTEGER,
    generation_id TEXT NOT NULL DEFAULT '',
    memory_key TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL DEFAULT '',
    story_raw TEXT NOT NULL DEFAULT '',
    story_revised TEXT NOT NULL DEFAULT '',
    story_tagged TEXT NOT NULL DEFAULT '',
    story_tagged_version INTEGER NOT NULL DEFAULT 0,
    formatter_model_id INTEGER,
    formatter_prompt_hash TEXT NOT NULL DEFAULT '',
    characters TEXT NOT NULL DEFAULT '',
    story_structure TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    char_count INTEGER NOT NULL DEFAULT 0,
    eval TEXT NOT NULL DEFAULT '',
    score REAL NOT NULL DEFAULT 0,
    approved INTEGER NOT NULL DEFAULT 0,
    status_id INTEGER REFERENCES story_statuses(id),
    folder TEXT NOT NULL DEFAULT '',
    model_id INTEGER REFERENCES models(id) ON DELETE SET NULL,
    agent_id INTEGER REFERENCES agents(id) ON DELETE SET NULL,
    serie_id INTEGER,
    serie_episode INTEGER,
    gen_tts_json INTEGER NOT NULL DEFAULT 0,
    gen_tts INTEGER NOT NULL DEFAULT 0,
    gen_ambient INTEGER NOT NULL DEFAULT 0,
    gen_music INTEGER NOT NULL DEFAULT 0,
    gen_effects INTEGER NOT NULL DEFAULT 0,
    gen_mixed_audio INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS story_evaluations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id INTEGER NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
    model_id INTEGER REFERENCES models(id) ON DELETE SET NULL,
    agent_id INTEGER REFERENCES agents(id) ON DELETE SET NULL,
    narrative_coherence INTEGER NOT NULL DEFAULT 0,
    narrative_coherence_defects TEXT NOT NULL DEFAULT '',
    originality INTEGER NOT NULL DEFAULT 0,
    originality_defects TEXT NOT NULL DEFAULT '',
    emotional_impact INTEGER NOT NULL DEFAULT 0,
    emotional_impact_defects TEXT NOT NULL DEFAULT '',
    action INTEGER NOT NULL DEFAULT 0,
    action_defects TEXT NOT NULL DEFAULT '',
    total_score REAL NOT NULL DEFAULT 0,
    raw_json TEXT NOT NULL DEFAULT '',
    ts TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_story_evaluations_story ON story_evaluations(story_id);

CREATE TABLE IF NOT EXISTS global_coherence (
    story_id INTEGER PRIMARY KEY REFERENCES stories(id) ON DELETE CASCADE,
    global_coherence_value REAL NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    notes TEXT NOT NULL DEFAULT '',
    ts TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chunk_facts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id INTEGER NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
    chunk_number INTEGER NOT NULL,
    facts_json TEXT NOT NULL DEFAULT '',
    UNIQUE(story_id, chunk_number)
);

CREATE TABLE IF NOT EXISTS model_response_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id TEXT NOT NULL DEFAULT '',
    agent_name TEXT NOT NULL DEFAULT '',
    model_name TEXT NOT NULL DEFAULT '',
    request_json TEXT NOT NULL DEFAULT '',
    response_json TEXT NOT NULL DEFAULT '',
    result TEXT,
    fail_reason TEXT NOT NULL DEFAULT '',
    examined INTEGER NOT NULL DEFAULT 0,
    ts TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_model_response_log_thread ON model_response_log(thread_id);

CREATE TABLE IF NOT EXISTS model_test_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_id INTEGER NOT NULL REFERENCES models(id) ON DELETE CASCADE,
    test_group TEXT NOT NULL,
    passed INTEGER NOT NULL DEFAULT 0,
    total INTEGER NOT NULL DEFAULT 0,
    ts TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_model_test_runs_group ON model_test_runs(model_id, test_group);

CREATE TABLE IF NOT EXISTS tts_voices (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    voice_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    gender TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS usage_state (
    month TEXT PRIMARY KEY,
    tokens_this_run INTEGER NOT NULL DEFAULT 0,
    tokens_this_month INTEGER NOT NULL DEFAULT 0,
    cost_this_month REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS numerator_state (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL DEFAULT 0
);
`
