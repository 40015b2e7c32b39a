package store

// Schema is the DDL for the archive store. The table contracts are part
// of the external interface: helper tables carry the named unique
// constraints the creators retry on, and address_fields.field stores the
// closed header-field numbering.
const Schema = `
create table users (
    id serial primary key,
    login text not null unique,
    secret text not null
);

create table mailboxes (
    id serial primary key,
    name text not null unique,
    owner integer references users(id),
    uidnext integer not null default 1,
    uidvalidity integer not null default 1,
    nextmodseq bigint not null default 1,
    deleted boolean not null default false
);

create table messages (
    id serial primary key,
    rfc822size integer,
    idate integer not null,
    modseq bigint
);

create table mailbox_messages (
    mailbox integer not null references mailboxes(id),
    uid integer not null,
    message integer not null references messages(id),
    modseq bigint not null,
    unique (mailbox, uid)
);

create table deleted_messages (
    mailbox integer not null references mailboxes(id),
    uid integer not null,
    message integer not null references messages(id),
    deleted_by integer references users(id),
    deleted_at timestamptz not null default current_timestamp,
    reason text
);

create table bodyparts (
    id serial primary key,
    bytes integer not null,
    text text,
    data bytea
);

create table part_numbers (
    message integer not null references messages(id),
    part text not null,
    bodypart integer references bodyparts(id),
    bytes integer,
    lines integer,
    unique (message, part)
);

create table field_names (
    id serial primary key,
    name text not null,
    constraint field_names_name_key unique (name)
);

create table header_fields (
    message integer not null references messages(id),
    part text not null,
    position integer not null,
    field integer not null references field_names(id),
    value text,
    unique (message, part, position, field)
);

create table addresses (
    id serial primary key,
    name text,
    localpart text,
    domain text,
    unique (name, localpart, domain)
);

create table address_fields (
    message integer not null references messages(id),
    part text not null,
    position integer not null,
    field integer not null,
    number integer,
    address integer not null references addresses(id)
);

create table flag_names (
    id serial primary key,
    name text not null
);
create unique index fn_uname on flag_names (lower(name));

create table flags (
    mailbox integer not null references mailboxes(id),
    uid integer not null,
    flag integer not null references flag_names(id),
    unique (mailbox, uid, flag)
);

create table annotation_names (
    id serial primary key,
    name text not null,
    constraint annotation_names_name_key unique (name)
);

create table annotations (
    mailbox integer not null references mailboxes(id),
    uid integer not null,
    owner integer references users(id),
    name integer not null references annotation_names(id),
    value text,
    unique (mailbox, uid, owner, name)
);

create table permissions (
    mailbox integer not null references mailboxes(id),
    identifier text not null,
    rights text not null,
    unique (mailbox, identifier)
);

create table views (
    view integer not null references mailboxes(id),
    source integer not null references mailboxes(id)
);

create table threads (
    id serial primary key,
    mailbox integer not null references mailboxes(id),
    subject text,
    constraint threads_mailbox_subject_key unique (mailbox, subject)
);

create table thread_members (
    thread integer not null references threads(id),
    mailbox integer not null,
    uid integer not null,
    unique (mailbox, uid)
);
`
